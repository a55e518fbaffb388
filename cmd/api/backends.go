package main

import (
	"context"
	"fmt"
	"time"

	"tourmatch/account"
	"tourmatch/config"
	"tourmatch/customization"
	"tourmatch/db"
	"tourmatch/ledger"
	"tourmatch/notify"
	"tourmatch/partner"
	"tourmatch/store/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// devMembershipTTL bounds memberships granted by DEV_SEED_PARTNERS.
const devMembershipTTL = 365 * 24 * time.Hour

// backends is everything the HTTP layer needs for one store driver.
type backends struct {
	service *customization.Service
	// runners are started with the server and stopped by context cancel.
	runners []func(ctx context.Context) error
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func buildBackends(ctx context.Context, cfg *config.Configuration, log *logrus.Entry) (*backends, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return buildPostgres(ctx, cfg, log)
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b, err := buildInProcess(ctx, cfg, log, store)
		if err != nil {
			store.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { store.Close() })
		return b, nil
	default:
		return buildInProcess(ctx, cfg, log, customization.NewMemoryRepository())
	}
}

func buildPostgres(ctx context.Context, cfg *config.Configuration, log *logrus.Entry) (*backends, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	b := &backends{closers: []func(){pool.Close}}

	if cfg.Environment == config.EnvDevelopment {
		if err := migrate(ctx, pool, cfg.MigrationsDir, log); err != nil {
			b.Close()
			return nil, err
		}
	}

	relay, err := notify.NewRelay(pool, notify.NewLogDispatcher(log.WithField("component", "notify")), notify.RelayOptions{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		SingleActive: cfg.Outbox.SingleActive,
		Logger:       log.WithField("component", "relay"),
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	b.runners = append(b.runners, relay.Run)

	b.service = customization.NewService(
		customization.NewRepository(pool),
		ledger.NewPGLedger(pool),
		partner.NewRepository(pool),
		notify.NewOutbox(pool),
		cfg.ChargeAmount,
	).
		WithLogger(log.WithField("component", "customization")).
		WithContacts(account.NewService(account.NewRepository(pool)))
	return b, nil
}

func buildInProcess(ctx context.Context, cfg *config.Configuration, log *logrus.Entry, repo customization.Repository) (*backends, error) {
	queue, err := notify.NewQueue(notify.NewLogDispatcher(log.WithField("component", "notify")), notify.QueueOptions{
		Workers: cfg.Notify.Workers,
		Buffer:  cfg.Notify.Buffer,
		Logger:  log.WithField("component", "queue"),
	})
	if err != nil {
		return nil, err
	}

	ledgerStore := ledger.NewMemory()
	partners := partner.NewMemory()
	contacts := account.NewMemory()
	if err := seedDev(ctx, cfg.DevSeed, ledgerStore, partners, contacts); err != nil {
		return nil, err
	}
	if len(cfg.DevSeed.Accounts) > 0 || len(cfg.DevSeed.Partners) > 0 || len(cfg.DevSeed.Contacts) > 0 {
		log.WithFields(logrus.Fields{
			"accounts": len(cfg.DevSeed.Accounts),
			"partners": len(cfg.DevSeed.Partners),
			"contacts": len(cfg.DevSeed.Contacts),
		}).Warn("api: in-process stores seeded from DEV_SEED_*")
	}

	svc := customization.NewService(repo, ledgerStore, partners, queue, cfg.ChargeAmount).
		WithLogger(log.WithField("component", "customization")).
		WithContacts(account.NewService(contacts))
	return &backends{
		service: svc,
		runners: []func(ctx context.Context) error{queue.Run},
	}, nil
}

func seedDev(ctx context.Context, seed config.DevSeedOptions, l *ledger.Memory, partners *partner.Memory, contacts *account.Memory) error {
	if seed.Balance.IsPositive() {
		for _, acct := range seed.Accounts {
			if _, err := l.Deposit(ctx, acct, seed.Balance); err != nil {
				return fmt.Errorf("seed balance for %s: %w", acct, err)
			}
		}
	}
	until := time.Now().Add(devMembershipTTL)
	for _, acct := range seed.Partners {
		if _, err := partners.Grant(ctx, acct, until); err != nil {
			return fmt.Errorf("seed membership for %s: %w", acct, err)
		}
	}
	profiles, err := seed.ContactSeeds()
	if err != nil {
		return err
	}
	for _, c := range profiles {
		if _, err := contacts.Upsert(ctx, account.Profile{
			ID:          c.AccountID,
			DisplayName: c.DisplayName,
			Email:       c.Email,
			Phone:       c.Phone,
		}); err != nil {
			return fmt.Errorf("seed contact for %s: %w", c.AccountID, err)
		}
	}
	return nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dir string, log *logrus.Entry) error {
	applied, err := db.ApplyMigrations(ctx, pool, dir)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.WithField("files", applied).Info("api: migrations applied")
	return nil
}
