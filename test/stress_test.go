package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tourmatch/customization"
	"tourmatch/ledger"
	"tourmatch/logging"
	"tourmatch/notify"
	"tourmatch/partner"
	"tourmatch/test/actors"
	"tourmatch/test/chaos"
	"tourmatch/test/infra"
	"tourmatch/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

var (
	chargeAmount = decimal.NewFromInt(100)
	seedBalance  = decimal.NewFromInt(2500)
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestCustomizationConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	case infra.IsLocalPostgresRunning():
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Fatalf("init local database: %v", err)
		}
		pgC = &infra.PGContainer{}
	default:
		t.Skip("no docker, STRESS_TEST_PG_DSN or local postgres available")
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	s := mustSeed(t, ctx, pool, *flConcurrency)

	logger, err := logging.NewWithOutput(io.Discard, "warn", "text")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	log := logger.WithField("test", "stress")
	svc := customization.NewService(
		customization.NewRepository(pool),
		ledger.NewPGLedger(pool),
		partner.NewRepository(pool),
		notify.NewOutbox(pool),
		chargeAmount,
	).WithLogger(log)

	relay, err := notify.NewRelay(pool, actors.FlakyDispatcher(5), notify.RelayOptions{
		PollInterval: 100 * time.Millisecond,
		BaseBackoff:  50 * time.Millisecond,
		MaxBackoff:   time.Second,
		SingleActive: true,
		Logger:       log,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		reviewerID := fmt.Sprintf("reviewer-%d", i)
		g.Go(func() error { return actors.Submitter(ctx2, svc, s.customers, stop) })
		g.Go(func() error { return actors.Reviewer(ctx2, svc, reviewerID, s.partners, stop) })
	}
	for _, p := range s.partners {
		g.Go(func() error { return actors.Bidder(ctx2, svc, p, stop) })
	}
	// Two acceptors per customer race for the same requests.
	for _, c := range s.customers {
		g.Go(func() error { return actors.Acceptor(ctx2, svc, c, stop) })
		g.Go(func() error { return actors.Acceptor(ctx2, svc, c, stop) })
	}
	// Two relays compete for the leader lock.
	g.Go(func() error { return actors.Relay(ctx2, relay, stop) })
	g.Go(func() error { return actors.Relay(ctx2, relay, stop) })

	killed := make(chan int, 1)
	if *flChaos {
		go func() { killed <- chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, stop) }()
	} else {
		killed <- 0
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				if actors.IsTransient(err) {
					continue
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			dumpRecent(t, ctx, pool)
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
	mismatch, err := oracles.CheckConservation(ctx, pool, s.customers, seedBalance)
	if err != nil {
		t.Fatalf("conservation: %v", err)
	}
	if mismatch != "" {
		t.Fatalf("ledger not conserved: %s (seed=%d)", mismatch, seed)
	}

	logSummary(t, ctx, pool, <-killed)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	customers []string
	partners  []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, n int) seedIDs {
	t.Helper()
	var s seedIDs
	l := ledger.NewPGLedger(pool)
	partners := partner.NewRepository(pool)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("customer-%d", i)
		if _, err := l.Deposit(ctx, id, seedBalance); err != nil {
			t.Fatalf("seed deposit %s: %v", id, err)
		}
		s.customers = append(s.customers, id)
	}
	for i := 0; i < n+2; i++ {
		id := fmt.Sprintf("partner-%d", i)
		if _, err := partners.Grant(ctx, id, time.Now().Add(24*time.Hour)); err != nil {
			t.Fatalf("seed partner %s: %v", id, err)
		}
		s.partners = append(s.partners, id)
	}
	// An expired partner keeps the eligibility gate under load.
	if _, err := partners.Grant(ctx, "partner-lapsed", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed lapsed partner: %v", err)
	}
	s.partners = append(s.partners, "partner-lapsed")
	return s
}

func logSummary(t *testing.T, ctx context.Context, pool *pgxpool.Pool, killed int) {
	t.Helper()
	var requests, accepted, proposals, published int
	err := pool.QueryRow(ctx, `SELECT
            (SELECT COUNT(*) FROM customization_requests),
            (SELECT COUNT(*) FROM customization_requests WHERE status = 'proposal-accepted'),
            (SELECT COUNT(*) FROM customization_proposals),
            (SELECT COUNT(*) FROM notification_outbox WHERE published_at IS NOT NULL)`).
		Scan(&requests, &accepted, &proposals, &published)
	if err != nil {
		t.Logf("summary error: %v", err)
		return
	}
	t.Logf("requests=%d accepted=%d proposals=%d notifications_published=%d backends_killed=%d",
		requests, accepted, proposals, published, killed)
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"customization_requests", `SELECT id, customer_id, status, version, assigned_partner_id, updated_at FROM customization_requests ORDER BY updated_at DESC LIMIT 50`},
		{"customization_proposals", `SELECT id, request_id, partner_id, outcome, resolved_at FROM customization_proposals ORDER BY seq DESC LIMIT 50`},
		{"ledger_debits", `SELECT id, account_id, amount::text, idempotency_key, created_at FROM ledger_debits ORDER BY created_at DESC LIMIT 50`},
		{"notification_outbox", `SELECT id, account_id, kind, attempts, published_at, last_error FROM notification_outbox ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
