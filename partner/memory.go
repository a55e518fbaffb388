package partner

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Memory struct {
	mu      sync.RWMutex
	members map[string]Membership
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		members: make(map[string]Membership),
		now:     time.Now,
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) IsEligible(_ context.Context, accountID string, at time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[accountID]
	if !ok {
		return false, nil
	}
	return mem.Active(at), nil
}

func (m *Memory) Get(_ context.Context, accountID string) (Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[accountID]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return mem, nil
}

// Grant creates or extends a membership.
func (m *Memory) Grant(_ context.Context, accountID string, validUntil time.Time) (Membership, error) {
	if accountID == "" {
		return Membership{}, errors.New("partner: missing account id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	mem, ok := m.members[accountID]
	if !ok {
		mem = Membership{AccountID: accountID, CreatedAt: now}
	}
	mem.ValidUntil = validUntil.UTC()
	mem.UpdatedAt = now
	m.members[accountID] = mem
	return mem, nil
}

func (m *Memory) Revoke(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[accountID]; !ok {
		return ErrNotFound
	}
	delete(m.members, accountID)
	return nil
}
