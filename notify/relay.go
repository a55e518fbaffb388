package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	LockTTL      time.Duration
	// MaxAttempts of zero retries forever; otherwise rows are marked dead.
	MaxAttempts     int
	SingleActive    bool
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	JitterMax       time.Duration
	LastErrorMaxLen int

	DispatchTimeout time.Duration

	Logger *logrus.Entry

	Rand *rand.Rand

	ObservePendingEvery time.Duration
}

func (o *RelayOptions) setDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 1 * time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.LockTTL == 0 {
		o.LockTTL = 60 * time.Second
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.JitterMax == 0 {
		o.JitterMax = 200 * time.Millisecond
	}
	if o.LastErrorMaxLen == 0 {
		o.LastErrorMaxLen = 2048
	}
	if o.DispatchTimeout == 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.ObservePendingEvery == 0 {
		o.ObservePendingEvery = 10 * time.Second
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}

// Relay moves notification_outbox rows to a Dispatcher.
type Relay struct {
	pool       *pgxpool.Pool
	dispatcher Dispatcher
	opts       RelayOptions
	rand       *lockedRand
	lockKey    int64
	m          *metrics
}

func NewRelay(pool *pgxpool.Pool, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if dispatcher == nil {
		return nil, invalidConfig("dispatcher is required")
	}
	if opts.MaxAttempts < 0 {
		return nil, invalidConfig("max attempts must be non-negative, got %d", opts.MaxAttempts)
	}
	opts.setDefaults()

	return &Relay{
		pool:       pool,
		dispatcher: dispatcher,
		opts:       opts,
		rand:       &lockedRand{r: opts.Rand},
		lockKey:    advisoryLockKey("notify:notification_outbox"),
		m:          getMetrics(),
	}, nil
}

// Run polls until ctx is cancelled. With SingleActive only the holder of the
// advisory lock processes rows; the others wait to take over.
func (r *Relay) Run(ctx context.Context) error {
	if r.opts.SingleActive {
		return r.runSingleActive(ctx)
	}
	r.m.relayLeader.Set(1)
	return r.runLoop(ctx, nil)
}

func (r *Relay) runSingleActive(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			r.opts.Logger.WithError(err).Warn("notify: failed to acquire connection for relay")
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		leader, err := r.tryAcquireLeader(ctx, conn)
		if err != nil || !leader {
			if err != nil {
				r.opts.Logger.WithError(err).Warn("notify: failed to attempt advisory lock")
			}
			r.m.relayLeader.Set(0)
			conn.Release()
			if err := r.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		r.m.relayLeader.Set(1)
		r.opts.Logger.Info("notify: relay became leader")

		err = r.runLoop(ctx, conn)
		_ = r.releaseLeader(context.Background(), conn)
		r.m.relayLeader.Set(0)
		conn.Release()
		if !errors.Is(err, errLeaderConnLost) {
			return err
		}
		r.opts.Logger.Warn("notify: relay lost leader connection")
		if err := r.sleep(ctx); err != nil {
			return err
		}
	}
}

func (r *Relay) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.opts.PollInterval):
		return nil
	}
}

func (r *Relay) runLoop(ctx context.Context, conn *pgxpool.Conn) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	nextObserveAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(nextObserveAt) {
			if err := r.observePending(ctx, conn); err != nil {
				r.opts.Logger.WithError(err).Debug("notify: observe pending failed")
			}
			nextObserveAt = time.Now().Add(r.opts.ObservePendingEvery)
		}

		if _, err := r.ProcessOnce(ctx, conn); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("notify: relay tick failed")
			// The advisory lock died with the session.
			if conn != nil && conn.Conn().IsClosed() {
				return errLeaderConnLost
			}
		}
	}
}

type claimedRow struct {
	rowID int64
	n     Notification
}

// ProcessOnce claims and dispatches one batch, returning how many rows were
// delivered. conn may be nil.
func (r *Relay) ProcessOnce(ctx context.Context, conn *pgxpool.Conn) (int, error) {
	now := time.Now()
	rows, err := r.claim(ctx, conn, now, now.Add(-r.opts.LockTTL))
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range rows {
		dispatchCtx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)
		start := time.Now()
		err := r.dispatcher.Dispatch(dispatchCtx, c.n)
		cancel()

		latency := time.Since(start)
		log := r.opts.Logger.WithFields(logFields(c))
		if err == nil {
			r.record(c.n.Kind, "success", latency)
			if ackErr := r.ack(ctx, conn, c.rowID); ackErr != nil {
				log.WithError(ackErr).Warn("notify: ack failed")
				continue
			}
			delivered++
			continue
		}

		r.record(c.n.Kind, "failure", latency)
		lastErr := truncateError(err, r.opts.LastErrorMaxLen)

		if r.opts.MaxAttempts > 0 && c.n.Attempts >= r.opts.MaxAttempts {
			r.m.deadTotal.WithLabelValues(sinkOutbox, string(c.n.Kind)).Inc()
			log.WithError(err).Error("notify: notification marked dead")
			if deadErr := r.dead(ctx, conn, c.rowID, lastErr); deadErr != nil {
				log.WithError(deadErr).Warn("notify: dead update failed")
			}
			continue
		}

		next := time.Now().Add(backoff(c.n.Attempts, r.opts.BaseBackoff, r.opts.MaxBackoff) + r.rand.jitter(r.opts.JitterMax))
		log.WithError(err).WithField("retry_at", next).Warn("notify: delivery failed")
		if nackErr := r.nack(ctx, conn, c.rowID, lastErr, next); nackErr != nil {
			log.WithError(nackErr).Warn("notify: nack failed")
		}
	}

	return delivered, nil
}

func (r *Relay) claim(ctx context.Context, conn *pgxpool.Conn, now, lockCutoff time.Time) ([]claimedRow, error) {
	tx, err := r.begin(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const selectSQL = `
		SELECT id, notification_id, account_id, kind, payload, attempts, created_at
		FROM notification_outbox
		WHERE published_at IS NULL
		  AND dead_at IS NULL
		  AND available_at <= $1
		  AND (locked_at IS NULL OR locked_at < $2)
		ORDER BY available_at, id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, selectSQL, now, lockCutoff, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("notify: claim select: %w", err)
	}
	defer rows.Close()

	var (
		items []claimedRow
		ids   []int64
	)
	for rows.Next() {
		var (
			c    claimedRow
			kind string
		)
		if err := rows.Scan(&c.rowID, &c.n.ID, &c.n.AccountID, &kind, &c.n.Payload, &c.n.Attempts, &c.n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: claim scan: %w", err)
		}
		c.n.Kind = Kind(kind)
		c.n.Attempts++
		items = append(items, c)
		ids = append(ids, c.rowID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: claim rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	const updateSQL = `UPDATE notification_outbox SET locked_at = $1, attempts = attempts + 1 WHERE id = ANY($2)`
	if _, err := tx.Exec(ctx, updateSQL, now, pgtype.FlatArray[int64](ids)); err != nil {
		return nil, fmt.Errorf("notify: claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("notify: claim commit: %w", err)
	}
	return items, nil
}

func (r *Relay) ack(ctx context.Context, conn *pgxpool.Conn, id int64) error {
	const q = `
		UPDATE notification_outbox
		SET published_at = now(),
		    locked_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND published_at IS NULL
	`
	return r.exec(ctx, conn, "ack", q, id)
}

func (r *Relay) nack(ctx context.Context, conn *pgxpool.Conn, id int64, lastError string, nextAvailable time.Time) error {
	const q = `
		UPDATE notification_outbox
		SET locked_at = NULL,
		    last_error = $2,
		    available_at = $3
		WHERE id = $1 AND published_at IS NULL
	`
	return r.exec(ctx, conn, "nack", q, id, lastError, nextAvailable)
}

func (r *Relay) dead(ctx context.Context, conn *pgxpool.Conn, id int64, lastError string) error {
	const q = `
		UPDATE notification_outbox
		SET locked_at = NULL,
		    last_error = $2,
		    dead_at = now()
		WHERE id = $1 AND published_at IS NULL
	`
	return r.exec(ctx, conn, "dead", q, id, lastError)
}

func (r *Relay) exec(ctx context.Context, conn *pgxpool.Conn, op, sql string, args ...any) error {
	var err error
	if conn != nil {
		_, err = conn.Exec(ctx, sql, args...)
	} else {
		_, err = r.pool.Exec(ctx, sql, args...)
	}
	if err != nil {
		return fmt.Errorf("notify: %s: %w", op, err)
	}
	return nil
}

func (r *Relay) begin(ctx context.Context, conn *pgxpool.Conn) (pgx.Tx, error) {
	var (
		tx  pgx.Tx
		err error
	)
	if conn != nil {
		tx, err = conn.BeginTx(ctx, pgx.TxOptions{})
	} else {
		tx, err = r.pool.BeginTx(ctx, pgx.TxOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("notify: begin tx: %w", err)
	}
	return tx, nil
}

func (r *Relay) observePending(ctx context.Context, conn *pgxpool.Conn) error {
	const q = `SELECT count(*) FROM notification_outbox WHERE published_at IS NULL AND dead_at IS NULL`
	var (
		pending int64
		err     error
	)
	if conn != nil {
		err = conn.QueryRow(ctx, q).Scan(&pending)
	} else {
		err = r.pool.QueryRow(ctx, q).Scan(&pending)
	}
	if err != nil {
		return fmt.Errorf("notify: pending count: %w", err)
	}
	r.m.pending.WithLabelValues(sinkOutbox).Set(float64(pending))
	return nil
}

func (r *Relay) record(kind Kind, result string, latency time.Duration) {
	r.m.dispatchTotal.WithLabelValues(sinkOutbox, string(kind), result).Inc()
	r.m.dispatchLatency.WithLabelValues(sinkOutbox, string(kind), result).Observe(latency.Seconds())
}

func (r *Relay) tryAcquireLeader(ctx context.Context, conn *pgxpool.Conn) (bool, error) {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, r.lockKey).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Relay) releaseLeader(ctx context.Context, conn *pgxpool.Conn) error {
	var ok bool
	return conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1::bigint)`, r.lockKey).Scan(&ok)
}

func advisoryLockKey(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

func logFields(c claimedRow) logrus.Fields {
	return logrus.Fields{
		"notification_id": c.n.ID,
		"account_id":      c.n.AccountID,
		"kind":            c.n.Kind,
		"attempts":        c.n.Attempts,
	}
}
