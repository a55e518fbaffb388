package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type QueueOptions struct {
	Workers int
	Buffer  int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterMax   time.Duration
	// MaxAttempts of zero retries until the queue is stopped.
	MaxAttempts int

	DispatchTimeout time.Duration

	Logger *logrus.Entry
	Rand   *rand.Rand
}

func (o *QueueOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
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
	if o.DispatchTimeout == 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
}

// Queue is an in-process Sink. Notify only enqueues; Run delivers with
// retries. Undelivered notifications are lost when the process exits, which
// is why the postgres driver uses Outbox instead.
type Queue struct {
	dispatcher Dispatcher
	opts       QueueOptions
	ch         chan Notification
	rand       *lockedRand

	now   func() time.Time
	idGen func() string

	stopOnce sync.Once
	stopped  chan struct{}

	m *metrics
}

func NewQueue(dispatcher Dispatcher, opts QueueOptions) (*Queue, error) {
	if dispatcher == nil {
		return nil, invalidConfig("dispatcher is required")
	}
	opts.setDefaults()
	return &Queue{
		dispatcher: dispatcher,
		opts:       opts,
		ch:         make(chan Notification, opts.Buffer),
		rand:       &lockedRand{r: opts.Rand},
		now:        time.Now,
		idGen:      newID,
		stopped:    make(chan struct{}),
		m:          getMetrics(),
	}, nil
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) WithIDGenerator(gen func() string) *Queue {
	q.idGen = gen
	return q
}

// Notify enqueues a notification without waiting. When the buffer is full
// the notification is dropped and counted as dead; callers have usually
// committed their change already and must not stall behind delivery.
func (q *Queue) Notify(_ context.Context, accountID string, kind Kind, payload map[string]any) error {
	n, err := build(q.idGen(), q.now(), accountID, kind, payload)
	if err != nil {
		return err
	}

	select {
	case <-q.stopped:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- n:
		q.m.enqueueTotal.WithLabelValues(sinkQueue, string(kind)).Inc()
		q.m.pending.WithLabelValues(sinkQueue).Set(float64(len(q.ch)))
		return nil
	case <-q.stopped:
		return ErrClosed
	default:
		q.m.deadTotal.WithLabelValues(sinkQueue, string(kind)).Inc()
		q.opts.Logger.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"account_id":      n.AccountID,
			"kind":            n.Kind,
		}).Warn("notify: queue full, dropping notification")
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. After
// cancellation Notify returns ErrClosed.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(gctx, worker)
			return nil
		})
	}

	<-ctx.Done()
	q.stopOnce.Do(func() { close(q.stopped) })

	if err := g.Wait(); err != nil {
		return err
	}
	q.drop()
	return nil
}

func (q *Queue) work(ctx context.Context, worker int) {
	log := q.opts.Logger.WithField("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q.ch:
			q.m.pending.WithLabelValues(sinkQueue).Set(float64(len(q.ch)))
			q.deliver(ctx, log, n)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, log *logrus.Entry, n Notification) {
	for {
		n.Attempts++

		dispatchCtx, cancel := context.WithTimeout(ctx, q.opts.DispatchTimeout)
		start := time.Now()
		err := q.dispatcher.Dispatch(dispatchCtx, n)
		cancel()

		if err == nil {
			q.record(n.Kind, "success", time.Since(start))
			return
		}
		q.record(n.Kind, "failure", time.Since(start))

		fields := logrus.Fields{
			"notification_id": n.ID,
			"account_id":      n.AccountID,
			"kind":            n.Kind,
			"attempts":        n.Attempts,
		}
		if q.opts.MaxAttempts > 0 && n.Attempts >= q.opts.MaxAttempts {
			q.m.deadTotal.WithLabelValues(sinkQueue, string(n.Kind)).Inc()
			log.WithError(err).WithFields(fields).Error("notify: giving up on notification")
			return
		}

		wait := backoff(n.Attempts, q.opts.BaseBackoff, q.opts.MaxBackoff) + q.rand.jitter(q.opts.JitterMax)
		log.WithError(err).WithFields(fields).WithField("retry_in", wait).Warn("notify: delivery failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			q.m.deadTotal.WithLabelValues(sinkQueue, string(n.Kind)).Inc()
			log.WithFields(fields).Warn("notify: queue stopped before delivery")
			return
		case <-timer.C:
		}
	}
}

func (q *Queue) drop() {
	for {
		select {
		case n := <-q.ch:
			q.m.deadTotal.WithLabelValues(sinkQueue, string(n.Kind)).Inc()
			q.opts.Logger.WithFields(logrus.Fields{
				"notification_id": n.ID,
				"account_id":      n.AccountID,
				"kind":            n.Kind,
			}).Warn("notify: dropping undelivered notification on shutdown")
		default:
			q.m.pending.WithLabelValues(sinkQueue).Set(0)
			return
		}
	}
}

func (q *Queue) record(kind Kind, result string, latency time.Duration) {
	q.m.dispatchTotal.WithLabelValues(sinkQueue, string(kind), result).Inc()
	q.m.dispatchLatency.WithLabelValues(sinkQueue, string(kind), result).Observe(latency.Seconds())
}
