package customization

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tourmatch/notify"

	"github.com/sirupsen/logrus"
)

type ProposalParams struct {
	RequestID   string
	PartnerID   string
	DocumentRef string
}

// SubmitProposal appends a partner's offer to a request that is open to
// partners. Submissions to the same request interleave freely; only the
// per-partner uniqueness is enforced.
func (s *Service) SubmitProposal(ctx context.Context, params ProposalParams) (p Proposal, err error) {
	defer func() { s.m.proposals.WithLabelValues(resultLabel(err)).Inc() }()

	partnerID := strings.TrimSpace(params.PartnerID)
	docRef := strings.TrimSpace(params.DocumentRef)
	switch {
	case params.RequestID == "":
		return Proposal{}, fmt.Errorf("%w: missing request id", ErrInvalidInput)
	case partnerID == "":
		return Proposal{}, fmt.Errorf("%w: missing partner id", ErrInvalidInput)
	case docRef == "":
		return Proposal{}, fmt.Errorf("%w: missing document reference", ErrInvalidInput)
	}

	req, err := s.repo.Get(ctx, params.RequestID)
	if err != nil {
		return Proposal{}, err
	}
	if !req.Status.OpenToPartners() {
		return Proposal{}, fmt.Errorf("%w: request is %s", ErrWrongState, req.Status)
	}
	if req.CustomerID == partnerID {
		return Proposal{}, fmt.Errorf("%w: cannot bid on own request", ErrForbidden)
	}

	// Eligibility can lapse between listing and submission.
	now := s.now().UTC()
	eligible, err := s.partners.IsEligible(ctx, partnerID, now)
	if err != nil {
		return Proposal{}, fmt.Errorf("customization: check partner eligibility: %w", err)
	}
	if !eligible {
		return Proposal{}, ErrNotEligible
	}
	if _, dup := req.ProposalBy(partnerID); dup {
		return Proposal{}, ErrDuplicateProposal
	}

	proposal := Proposal{
		ID:          s.idGen(),
		RequestID:   req.ID,
		PartnerID:   partnerID,
		DocumentRef: docRef,
		SubmittedAt: now,
		Outcome:     OutcomeOpen,
	}
	updated, err := s.repo.AppendProposal(ctx, req.ID, proposal)
	if err != nil {
		return Proposal{}, err
	}
	stored, ok := updated.Proposal(proposal.ID)
	if !ok {
		return Proposal{}, fmt.Errorf("customization: proposal %s missing after append", proposal.ID)
	}

	s.notify(ctx, updated.CustomerID, notify.KindProposalReceived, map[string]any{
		"request_id":  updated.ID,
		"proposal_id": stored.ID,
		"partner_id":  stored.PartnerID,
	})
	return stored, nil
}

type AcceptParams struct {
	RequestID  string
	ProposalID string
	CustomerID string
}

// AcceptProposal selects the winning proposal. The status change and every
// proposal outcome are written in one version-checked step; losing the race
// returns ErrConflict and nothing is notified.
//
// A terminal request returns ErrAlreadyResolved. A request still in review
// (pending, under-review or approved) returns ErrWrongState, so callers can
// tell "too early" apart from "already decided".
func (s *Service) AcceptProposal(ctx context.Context, params AcceptParams) (req Request, err error) {
	defer func() { s.m.acceptances.WithLabelValues(resultLabel(err)).Inc() }()

	if params.RequestID == "" || params.ProposalID == "" {
		return Request{}, fmt.Errorf("%w: missing request or proposal id", ErrInvalidInput)
	}

	current, err := s.repo.Get(ctx, params.RequestID)
	if err != nil {
		return Request{}, err
	}
	if current.CustomerID != params.CustomerID {
		return Request{}, ErrForbidden
	}
	switch {
	case current.Status.Terminal():
		return Request{}, fmt.Errorf("%w: request is %s", ErrAlreadyResolved, current.Status)
	case !current.Status.OpenToPartners():
		return Request{}, fmt.Errorf("%w: request is %s", ErrWrongState, current.Status)
	}

	target, ok := current.Proposal(params.ProposalID)
	if !ok {
		return Request{}, fmt.Errorf("%w: proposal %s", ErrNotFound, params.ProposalID)
	}
	if target.Outcome != OutcomeOpen {
		return Request{}, fmt.Errorf("%w: proposal is %s", ErrAlreadyResolved, target.Outcome)
	}

	now := s.now().UTC()
	next := current.Clone()
	next.Status = StatusProposalAccepted
	next.UpdatedAt = now
	for i := range next.Proposals {
		resolved := now
		next.Proposals[i].ResolvedAt = &resolved
		if next.Proposals[i].ID == target.ID {
			next.Proposals[i].Outcome = OutcomeAccepted
		} else {
			next.Proposals[i].Outcome = OutcomeRejected
		}
	}

	updated, err := s.repo.Update(ctx, next, current.Version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Request{}, ErrConflict
		}
		return Request{}, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id":  updated.ID,
		"proposal_id": target.ID,
		"partner_id":  target.PartnerID,
		"proposals":   len(updated.Proposals),
	}).Info("customization: proposal accepted")

	s.fanOutAcceptance(ctx, updated, target.ID)
	return updated, nil
}

func (s *Service) fanOutAcceptance(ctx context.Context, req Request, winnerID string) {
	var winner Proposal
	for _, p := range req.Proposals {
		if p.ID == winnerID {
			winner = p
			s.notify(ctx, p.PartnerID, notify.KindProposalAccepted, map[string]any{
				"request_id":       req.ID,
				"proposal_id":      p.ID,
				"customer_contact": s.contactOf(ctx, req.CustomerID),
			})
			continue
		}
		s.notify(ctx, p.PartnerID, notify.KindProposalRejected, map[string]any{
			"request_id":  req.ID,
			"proposal_id": p.ID,
		})
	}
	s.notify(ctx, req.CustomerID, notify.KindRequestAccepted, map[string]any{
		"request_id":  req.ID,
		"proposal_id": winner.ID,
		"partner_id":  winner.PartnerID,
	})
}
