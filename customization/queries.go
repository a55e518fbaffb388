package customization

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// GetRequest returns full detail to the owning customer.
func (s *Service) GetRequest(ctx context.Context, requestID, requesterID string) (Request, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.CustomerID != requesterID {
		return Request{}, ErrForbidden
	}
	return req, nil
}

// ListMyRequests returns the customer's requests, newest first.
func (s *Service) ListMyRequests(ctx context.Context, customerID string, status Status) ([]Request, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: missing customer id", ErrInvalidInput)
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.repo.ListByCustomer(ctx, customerID, status)
}

// ListOpenRequestsForPartner returns requests open to partners, excluding
// the partner's own requests. Other partners' proposals and the charge
// reference are stripped.
func (s *Service) ListOpenRequestsForPartner(ctx context.Context, partnerID string) ([]Request, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("%w: missing partner id", ErrInvalidInput)
	}
	eligible, err := s.partners.IsEligible(ctx, partnerID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("customization: check partner eligibility: %w", err)
	}
	if !eligible {
		return nil, ErrNotEligible
	}

	open, err := s.repo.ListByStatus(ctx, StatusShowPartners)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(open))
	for _, req := range open {
		if req.CustomerID == partnerID {
			continue
		}
		out = append(out, redactForPartner(req, partnerID))
	}
	return out, nil
}

// ListProposals returns a request's proposals in submission order to the
// owning customer.
func (s *Service) ListProposals(ctx context.Context, requestID, requesterID string) ([]Proposal, error) {
	req, err := s.GetRequest(ctx, requestID, requesterID)
	if err != nil {
		return nil, err
	}
	if req.Proposals == nil {
		return []Proposal{}, nil
	}
	return req.Proposals, nil
}

// reviewQueue is what a reviewer sees without a status filter.
var reviewQueue = []Status{StatusPending, StatusUnderReview, StatusApproved, StatusShowPartners}

// ListForReview returns requests for the reviewer queue, oldest first. An
// empty status lists every non-terminal request.
func (s *Service) ListForReview(ctx context.Context, status Status) ([]Request, error) {
	statuses := reviewQueue
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		statuses = []Status{status}
	}

	var out []Request
	for _, st := range statuses {
		reqs, err := s.repo.ListByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if out == nil {
		out = []Request{}
	}
	return out, nil
}

// Balance reports the account's virtual-currency balance.
func (s *Service) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, fmt.Errorf("%w: missing account id", ErrInvalidInput)
	}
	return s.ledger.Balance(ctx, accountID)
}

func redactForPartner(req Request, partnerID string) Request {
	out := req.Clone()
	out.ChargeTransactionID = ""
	out.AdminNote = nil
	own := make([]Proposal, 0, 1)
	for _, p := range out.Proposals {
		if p.PartnerID == partnerID {
			own = append(own, p)
		}
	}
	out.Proposals = own
	return out
}
