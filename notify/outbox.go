package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Outbox is a durable Sink writing to notification_outbox. A Relay delivers
// the rows.
type Outbox struct {
	db    Execer
	now   func() time.Time
	idGen func() string
	m     *metrics
}

func NewOutbox(db Execer) *Outbox {
	return &Outbox{
		db:    db,
		now:   time.Now,
		idGen: newID,
		m:     getMetrics(),
	}
}

func (o *Outbox) WithIDGenerator(gen func() string) *Outbox {
	o.idGen = gen
	return o
}

func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

func (o *Outbox) Notify(ctx context.Context, accountID string, kind Kind, payload map[string]any) error {
	return o.NotifyWith(ctx, o.db, accountID, kind, payload)
}

// NotifyWith writes through db, letting callers enqueue inside their own
// transaction.
func (o *Outbox) NotifyWith(ctx context.Context, db Execer, accountID string, kind Kind, payload map[string]any) error {
	n, err := build(o.idGen(), o.now(), accountID, kind, payload)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO notification_outbox (notification_id, account_id, kind, payload, available_at, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $5)
	`
	if _, err := db.Exec(ctx, q, n.ID, n.AccountID, string(n.Kind), string(n.Payload), n.CreatedAt); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	o.m.enqueueTotal.WithLabelValues(sinkOutbox, string(kind)).Inc()
	return nil
}
