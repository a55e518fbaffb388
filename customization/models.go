// Package customization implements the customize-tour-package workflow: a
// customer pays to submit a request, reviewers open it to partners, partners
// bid, and the customer accepts exactly one proposal.
package customization

import (
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeOpen     Outcome = "open"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// TravelParams is carried verbatim; the engine never interprets it.
type TravelParams struct {
	StartDate     string   `json:"start_date,omitempty"`
	EndDate       string   `json:"end_date,omitempty"`
	Travelers     int      `json:"travelers,omitempty"`
	DurationDays  int      `json:"duration_days,omitempty"`
	Origin        string   `json:"origin,omitempty"`
	Destination   string   `json:"destination,omitempty"`
	Accommodation string   `json:"accommodation,omitempty"`
	Activities    []string `json:"activities,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Request is a customer's customization ask. Every persisted Request has
// already been charged.
type Request struct {
	ID                  string
	CustomerID          string
	TravelParams        TravelParams
	Status              Status
	ChargeAmount        decimal.Decimal
	ChargeTransactionID string
	AdminNote           *string
	AssignedPartnerID   *string
	Version             int64
	Proposals           []Proposal
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Proposal is a partner's offer on a Request.
type Proposal struct {
	ID          string
	RequestID   string
	PartnerID   string
	DocumentRef string
	SubmittedAt time.Time
	Outcome     Outcome
	ResolvedAt  *time.Time
}

// Clone returns a deep copy so callers never share slices or pointers with a
// store.
func (r Request) Clone() Request {
	out := r
	out.TravelParams.Activities = append([]string(nil), r.TravelParams.Activities...)
	out.AdminNote = cloneString(r.AdminNote)
	out.AssignedPartnerID = cloneString(r.AssignedPartnerID)
	if r.Proposals != nil {
		out.Proposals = make([]Proposal, len(r.Proposals))
		for i, p := range r.Proposals {
			out.Proposals[i] = p.clone()
		}
	}
	return out
}

// Proposal returns the proposal with the given id.
func (r Request) Proposal(id string) (Proposal, bool) {
	for _, p := range r.Proposals {
		if p.ID == id {
			return p, true
		}
	}
	return Proposal{}, false
}

// ProposalBy returns the proposal submitted by partnerID.
func (r Request) ProposalBy(partnerID string) (Proposal, bool) {
	for _, p := range r.Proposals {
		if p.PartnerID == partnerID {
			return p, true
		}
	}
	return Proposal{}, false
}

// AcceptedProposal returns the winning proposal, if any.
func (r Request) AcceptedProposal() (Proposal, bool) {
	for _, p := range r.Proposals {
		if p.Outcome == OutcomeAccepted {
			return p, true
		}
	}
	return Proposal{}, false
}

func (p Proposal) clone() Proposal {
	out := p
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// IdempotencyKey is the ledger key for the single debit attributed to a
// request id.
func IdempotencyKey(requestID string) string {
	return "customization-request:" + requestID
}
