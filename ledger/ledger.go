// Package ledger holds the virtual-currency balances customers spend when
// they submit a customization request.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount signals a zero or negative amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInsufficientBalance signals the account cannot cover the debit.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrIdempotencyKeyReused signals a key already bound to a different debit.
	ErrIdempotencyKeyReused = errors.New("ledger: idempotency key reused with different parameters")
	// ErrMissingIdempotencyKey signals a debit without a key.
	ErrMissingIdempotencyKey = errors.New("ledger: idempotency key required")
	// ErrDebitNotFound signals no debit is bound to the key.
	ErrDebitNotFound = errors.New("ledger: debit not found")
)

// Debit is the record of one successful charge.
type Debit struct {
	ID             string
	AccountID      string
	Amount         decimal.Decimal
	IdempotencyKey string
	BalanceAfter   decimal.Decimal
	CreatedAt      time.Time
}

// Ledger is the adapter the lifecycle engine charges through.
type Ledger interface {
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, idempotencyKey string) (Debit, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// DebitByKey returns the debit bound to an idempotency key.
	DebitByKey(ctx context.Context, idempotencyKey string) (Debit, error)
}

// matches reports whether a replayed debit carries the same parameters as the
// stored one.
func (d Debit) matches(accountID string, amount decimal.Decimal) bool {
	return d.AccountID == accountID && d.Amount.Equal(amount)
}

func validate(accountID string, amount decimal.Decimal, idempotencyKey string) error {
	if accountID == "" {
		return errors.New("ledger: missing account id")
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	return nil
}
