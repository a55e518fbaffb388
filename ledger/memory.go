package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process ledger for development and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	debits   map[string]Debit
	now      func() time.Time
	idGen    func() string
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]decimal.Decimal),
		debits:   make(map[string]Debit),
		now:      time.Now,
		idGen:    func() string { return uuid.NewString() },
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) WithIDGenerator(gen func() string) *Memory {
	m.idGen = gen
	return m
}

// Debit charges amount once per idempotency key. Only successful debits bind
// the key, so a customer who tops up can retry a rejected submission.
func (m *Memory) Debit(_ context.Context, accountID string, amount decimal.Decimal, idempotencyKey string) (Debit, error) {
	if err := validate(accountID, amount, idempotencyKey); err != nil {
		return Debit{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.debits[idempotencyKey]; ok {
		if !existing.matches(accountID, amount) {
			return Debit{}, ErrIdempotencyKeyReused
		}
		return existing, nil
	}

	balance := m.balances[accountID]
	if balance.LessThan(amount) {
		return Debit{}, ErrInsufficientBalance
	}

	after := balance.Sub(amount)
	d := Debit{
		ID:             m.idGen(),
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		BalanceAfter:   after,
		CreatedAt:      m.now().UTC(),
	}
	m.balances[accountID] = after
	m.debits[idempotencyKey] = d
	return d, nil
}

func (m *Memory) DebitByKey(_ context.Context, idempotencyKey string) (Debit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.debits[idempotencyKey]
	if !ok {
		return Debit{}, ErrDebitNotFound
	}
	return d, nil
}

func (m *Memory) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID], nil
}

// Deposit credits an account. Used for seeding; purchases live elsewhere.
func (m *Memory) Deposit(_ context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, errors.New("ledger: missing account id")
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] = m.balances[accountID].Add(amount)
	return m.balances[accountID], nil
}

// DebitsFor returns the debits recorded for an account.
func (m *Memory) DebitsFor(accountID string) []Debit {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Debit, 0)
	for _, d := range m.debits {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	return out
}
