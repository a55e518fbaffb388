package customization

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository keeps requests in process. Every read and write copies so
// callers cannot mutate stored state.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]Request
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[string]Request)}
}

func (m *MemoryRepository) Create(_ context.Context, req Request) (Request, error) {
	if req.ID == "" {
		return Request{}, fmt.Errorf("%w: missing request id", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; ok {
		return Request{}, ErrDuplicateRequest
	}
	for _, other := range m.requests {
		if other.ChargeTransactionID == req.ChargeTransactionID {
			return Request{}, ErrDuplicateRequest
		}
	}
	if req.Version == 0 {
		req.Version = 1
	}
	stored := req.Clone()
	m.requests[req.ID] = stored
	return stored.Clone(), nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req.Clone(), nil
}

func (m *MemoryRepository) Update(_ context.Context, req Request, expectedVersion int64) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[req.ID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if stored.Version != expectedVersion {
		return Request{}, ErrVersionConflict
	}

	next := stored.Clone()
	next.Status = req.Status
	next.AdminNote = cloneString(req.AdminNote)
	next.AssignedPartnerID = cloneString(req.AssignedPartnerID)
	next.UpdatedAt = req.UpdatedAt
	for i := range next.Proposals {
		if p, ok := req.Proposal(next.Proposals[i].ID); ok {
			next.Proposals[i].Outcome = p.Outcome
			next.Proposals[i].ResolvedAt = p.clone().ResolvedAt
		}
	}
	if err := checkSingleWinner(next); err != nil {
		return Request{}, err
	}
	next.Version = stored.Version + 1

	m.requests[req.ID] = next
	return next.Clone(), nil
}

func (m *MemoryRepository) AppendProposal(_ context.Context, requestID string, p Proposal) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if !stored.Status.OpenToPartners() {
		return Request{}, ErrWrongState
	}
	if _, dup := stored.ProposalBy(p.PartnerID); dup {
		return Request{}, ErrDuplicateProposal
	}
	if _, dup := stored.Proposal(p.ID); dup {
		return Request{}, fmt.Errorf("%w: proposal id %s exists", ErrInvalidInput, p.ID)
	}

	next := stored.Clone()
	p.RequestID = requestID
	next.Proposals = append(next.Proposals, p.clone())
	next.Version++
	next.UpdatedAt = p.SubmittedAt

	m.requests[requestID] = next
	return next.Clone(), nil
}

func (m *MemoryRepository) ListByCustomer(_ context.Context, customerID string, status Status) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Request, 0)
	for _, req := range m.requests {
		if req.CustomerID != customerID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, status Status) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Request, 0)
	for _, req := range m.requests {
		if req.Status == status {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func checkSingleWinner(req Request) error {
	winners := 0
	for _, p := range req.Proposals {
		if p.Outcome == OutcomeAccepted {
			winners++
		}
	}
	if winners > 1 {
		return fmt.Errorf("%w: request %s would have %d accepted proposals", ErrVersionConflict, req.ID, winners)
	}
	return nil
}
