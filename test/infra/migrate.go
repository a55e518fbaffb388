package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tourmatch/db"
)

var migrationsDir string

func init() {
	if _, file, _, ok := runtime.Caller(0); ok {
		migrationsDir = filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	}
}

const (
	localHost     = "127.0.0.1:5432"
	localDatabase = "tourmatch_stress"
	localRole     = "tourmatch_test"
	localPassword = "pass"
)

// IsLocalPostgresRunning reports whether pg_isready succeeds on the default
// port.
func IsLocalPostgresRunning() bool {
	return exec.Command("pg_isready", "-h", "127.0.0.1", "-p", "5432").Run() == nil
}

// adminDSNs lists superuser candidates for the local server, starting with
// STRESS_TEST_PG_ADMIN_DSN when set.
func adminDSNs() []string {
	var out []string
	if dsn := os.Getenv("STRESS_TEST_PG_ADMIN_DSN"); dsn != "" {
		out = append(out, dsn)
	}
	for _, user := range []string{"postgres", os.Getenv("USER")} {
		if user == "" {
			continue
		}
		for _, pass := range []string{"", "postgres"} {
			u := url.URL{Scheme: "postgres", Host: localHost, Path: "/postgres", RawQuery: "sslmode=disable"}
			if pass == "" {
				u.User = url.User(user)
			} else {
				u.User = url.UserPassword(user, pass)
			}
			out = append(out, u.String())
		}
	}
	return out
}

func localDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(localRole, localPassword),
		Host:     localHost,
		Path:     "/" + localDatabase,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// InitLocalDatabase recreates the stress database on a local server and
// returns a DSN for its owner role.
func InitLocalDatabase(ctx context.Context) (string, error) {
	if !IsLocalPostgresRunning() {
		return "", errors.New("local postgres is not accepting connections")
	}

	var (
		admin *pgx.Conn
		err   error
	)
	for _, dsn := range adminDSNs() {
		if admin, err = pgx.Connect(ctx, dsn); err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("connect as admin: %w", err)
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{localRole}.Sanitize()
	database := pgx.Identifier{localDatabase}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, localPassword),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, localDatabase),
		fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, database),
		fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, database, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("bootstrap %s: %w", localDatabase, err)
		}
	}
	return localDSN(), nil
}

// mutableTables lists every table the workflow writes, children first.
var mutableTables = []string{
	"notification_outbox",
	"customization_proposals",
	"customization_requests",
	"ledger_debits",
	"ledger_accounts",
	"partner_memberships",
	"accounts",
}

// ApplyMigrations opens a pool sized for concurrent actors and applies the
// repository migrations. When isolate is true, a per-run schema is created and
// dropped via the returned teardown func.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", ident)); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		setPath := fmt.Sprintf("SET search_path TO %s", ident)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}

		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	applied, err := db.ApplyMigrations(ctx, pool, migrationsDir)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if len(applied) == 0 {
		pool.Close()
		return nil, nil, fmt.Errorf("no migrations found in %s", migrationsDir)
	}

	return pool, cleanup, nil
}

// Reset truncates mutable tables to provide a clean slate for the next epoch.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range mutableTables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
