// Package notify delivers participant notifications raised by the
// customization workflow. Delivery is at-least-once and never feeds back into
// request state.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindRequestSubmitted     Kind = "request.submitted"
	KindRequestStatusChanged Kind = "request.status_changed"
	KindRequestAccepted      Kind = "request.accepted"
	KindProposalReceived     Kind = "proposal.received"
	KindProposalAccepted     Kind = "proposal.accepted"
	KindProposalRejected     Kind = "proposal.rejected"
	KindPartnerAssigned      Kind = "partner.assigned"
)

var (
	// ErrMissingRecipient signals a notification without an account id.
	ErrMissingRecipient = errors.New("notify: missing recipient")
	// ErrClosed signals the sink no longer accepts notifications.
	ErrClosed = errors.New("notify: sink closed")
	// ErrQueueFull signals the in-process buffer had no room.
	ErrQueueFull = errors.New("notify: queue full")
)

// Notification is one message addressed to one account.
type Notification struct {
	ID        string
	AccountID string
	Kind      Kind
	Payload   json.RawMessage
	CreatedAt time.Time
	// Attempts counts delivery attempts including the current one.
	Attempts int
}

// Sink is what the lifecycle engine calls. Implementations must not block on
// delivery itself.
type Sink interface {
	Notify(ctx context.Context, accountID string, kind Kind, payload map[string]any) error
}

// Dispatcher performs one delivery attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n Notification) error

func (f DispatcherFunc) Dispatch(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

func build(id string, now time.Time, accountID string, kind Kind, payload map[string]any) (Notification, error) {
	if accountID == "" {
		return Notification{}, ErrMissingRecipient
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Notification{}, fmt.Errorf("notify: marshal payload: %w", err)
	}
	return Notification{
		ID:        id,
		AccountID: accountID,
		Kind:      kind,
		Payload:   body,
		CreatedAt: now.UTC(),
	}, nil
}

func newID() string {
	return uuid.NewString()
}
