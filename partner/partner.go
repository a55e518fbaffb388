// Package partner answers whether an account currently holds partner status.
package partner

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals the account never held a membership.
var ErrNotFound = errors.New("partner: membership not found")

// Membership is a time-bounded grant of partner status.
type Membership struct {
	AccountID  string
	ValidUntil time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Active reports whether the membership covers at.
func (m Membership) Active(at time.Time) bool {
	return at.Before(m.ValidUntil)
}

// Oracle is consumed by the lifecycle engine.
type Oracle interface {
	IsEligible(ctx context.Context, accountID string, at time.Time) (bool, error)
}

// Repository manages memberships.
type Repository interface {
	Oracle
	Get(ctx context.Context, accountID string) (Membership, error)
	Grant(ctx context.Context, accountID string, validUntil time.Time) (Membership, error)
	Revoke(ctx context.Context, accountID string) error
}
