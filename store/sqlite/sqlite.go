/*
Package sqlite provides a SQLite-backed customization.Repository.

PURPOSE:
  Single-node and development deployments that want durable requests
  without running PostgreSQL. Semantics match customization.PGRepository;
  only the SQL dialect differs.

KEY TABLES:
  customization_requests:  One row per request, version-checked on update
  customization_proposals: Partner offers, unique per (request, partner)

INVARIANTS:
  - Update succeeds only when the stored version equals the expected one
    (checked through RowsAffected) and bumps it by one.
  - idx_proposals_one_accepted keeps at most one accepted proposal per
    request even if application code misbehaves.
  - Timestamps are stored as fixed-width UTC text so ORDER BY on them is
    chronological.

CONCURRENCY:
  One connection plus a sync.RWMutex. Every write runs inside a single
  transaction while holding the write lock.

USAGE:
  store, err := sqlite.New("./data/tourmatch.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := customization.NewService(store, ledger, partners, sink, fee)

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL schema lives in
  migrations/ and is applied by `tourctl migrate`.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tourmatch/customization"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements customization.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ customization.Repository = (*Store)(nil)

// New opens (or creates) the database at dbPath. Use ":memory:" for a
// throwaway database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customization_requests (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		travel_params_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		charge_amount TEXT NOT NULL,
		charge_transaction_id TEXT NOT NULL UNIQUE,
		admin_note TEXT,
		assigned_partner_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_customer
		ON customization_requests(customer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON customization_requests(status, created_at);

	CREATE TABLE IF NOT EXISTS customization_proposals (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		request_id TEXT NOT NULL REFERENCES customization_requests(id),
		partner_id TEXT NOT NULL,
		document_ref TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'open',
		resolved_at TEXT,
		UNIQUE(request_id, partner_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_one_accepted
		ON customization_proposals(request_id) WHERE outcome = 'accepted';
	`
	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const requestColumns = `id, customer_id, travel_params_json, status, charge_amount, charge_transaction_id,
	admin_note, assigned_partner_id, version, created_at, updated_at`

const proposalColumns = `id, request_id, partner_id, document_ref, submitted_at, outcome, resolved_at`

// Create inserts a request and any proposals it already carries.
func (s *Store) Create(ctx context.Context, req customization.Request) (customization.Request, error) {
	if req.ID == "" {
		return customization.Request{}, fmt.Errorf("%w: missing request id", customization.ErrInvalidInput)
	}
	params, err := json.Marshal(req.TravelParams)
	if err != nil {
		return customization.Request{}, fmt.Errorf("sqlite: marshal travel params: %w", err)
	}
	if req.Version == 0 {
		req.Version = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var created customization.Request
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customization_requests
			(id, customer_id, travel_params_json, status, charge_amount, charge_transaction_id,
			 admin_note, assigned_partner_id, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			req.ID,
			req.CustomerID,
			string(params),
			string(req.Status),
			req.ChargeAmount.String(),
			req.ChargeTransactionID,
			nullString(req.AdminNote),
			nullString(req.AssignedPartnerID),
			req.Version,
			formatTime(req.CreatedAt),
			formatTime(req.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return customization.ErrDuplicateRequest
			}
			return fmt.Errorf("sqlite: insert request: %w", err)
		}
		for _, p := range req.Proposals {
			p.RequestID = req.ID
			if err := insertProposal(ctx, tx, p); err != nil {
				return err
			}
		}
		created, err = loadRequest(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return customization.Request{}, err
	}
	return created, nil
}

func (s *Store) Get(ctx context.Context, id string) (customization.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadRequest(ctx, s.db, id)
}

// Update writes the mutable request fields and every proposal outcome when
// the stored version still equals expectedVersion.
func (s *Store) Update(ctx context.Context, req customization.Request, expectedVersion int64) (customization.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated customization.Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE customization_requests
			SET status = ?, admin_note = ?, assigned_partner_id = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`,
			string(req.Status),
			nullString(req.AdminNote),
			nullString(req.AssignedPartnerID),
			formatTime(req.UpdatedAt),
			req.ID,
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("sqlite: update request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM customization_requests WHERE id = ?`, req.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("sqlite: check request: %w", err)
			}
			if exists == 0 {
				return customization.ErrNotFound
			}
			return customization.ErrVersionConflict
		}

		for _, p := range req.Proposals {
			_, err := tx.ExecContext(ctx, `
				UPDATE customization_proposals SET outcome = ?, resolved_at = ?
				WHERE id = ? AND request_id = ?
			`, string(p.Outcome), nullTime(p.ResolvedAt), p.ID, req.ID)
			if err != nil {
				if isUniqueConstraintError(err) {
					return customization.ErrVersionConflict
				}
				return fmt.Errorf("sqlite: update proposal %s: %w", p.ID, err)
			}
		}
		updated, err = loadRequest(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return customization.Request{}, err
	}
	return updated, nil
}

func (s *Store) AppendProposal(ctx context.Context, requestID string, p customization.Proposal) (customization.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated customization.Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM customization_requests WHERE id = ?`, requestID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return customization.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlite: read request status: %w", err)
		}
		if !customization.Status(status).OpenToPartners() {
			return customization.ErrWrongState
		}

		p.RequestID = requestID
		if err := insertProposal(ctx, tx, p); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE customization_requests SET version = version + 1, updated_at = ? WHERE id = ?
		`, formatTime(p.SubmittedAt), requestID); err != nil {
			return fmt.Errorf("sqlite: bump version: %w", err)
		}
		updated, err = loadRequest(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return customization.Request{}, err
	}
	return updated, nil
}

func (s *Store) ListByCustomer(ctx context.Context, customerID string, status customization.Status) ([]customization.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM customization_requests WHERE customer_id = ?`
	args := []any{customerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryRequests(ctx, s.db, query, args...)
}

func (s *Store) ListByStatus(ctx context.Context, status customization.Status) ([]customization.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM customization_requests WHERE status = ? ORDER BY created_at ASC, id ASC`

	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryRequests(ctx, s.db, query, string(status))
}

// Reset deletes all rows. Used by tests and `tourctl` demos.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"customization_proposals", "customization_requests"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("sqlite: reset %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func queryRequests(ctx context.Context, q execer, query string, args ...any) ([]customization.Request, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list requests: %w", err)
	}
	out := make([]customization.Request, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, req)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate requests: %w", err)
	}

	// The single connection must be released before the proposal queries.
	for i := range out {
		proposals, err := loadProposals(ctx, q, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Proposals = proposals
	}
	return out, nil
}

func loadRequest(ctx context.Context, q execer, id string) (customization.Request, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM customization_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return customization.Request{}, customization.ErrNotFound
	}
	if err != nil {
		return customization.Request{}, err
	}
	req.Proposals, err = loadProposals(ctx, q, id)
	if err != nil {
		return customization.Request{}, err
	}
	return req, nil
}

func loadProposals(ctx context.Context, q execer, requestID string) ([]customization.Proposal, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+proposalColumns+` FROM customization_proposals WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query proposals: %w", err)
	}
	defer rows.Close()

	var out []customization.Proposal
	for rows.Next() {
		var (
			p           customization.Proposal
			outcome     string
			submittedAt string
			resolvedAt  sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.RequestID, &p.PartnerID, &p.DocumentRef, &submittedAt, &outcome, &resolvedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan proposal: %w", err)
		}
		p.Outcome = customization.Outcome(outcome)
		p.SubmittedAt = parseTime(submittedAt)
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			p.ResolvedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertProposal(ctx context.Context, tx *sql.Tx, p customization.Proposal) error {
	if p.Outcome == "" {
		p.Outcome = customization.OutcomeOpen
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO customization_proposals
		(id, request_id, partner_id, document_ref, submitted_at, outcome, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.RequestID, p.PartnerID, p.DocumentRef, formatTime(p.SubmittedAt), string(p.Outcome), nullTime(p.ResolvedAt))
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "customization_proposals.partner_id") {
			return customization.ErrDuplicateProposal
		}
		return fmt.Errorf("%w: proposal id %s exists", customization.ErrInvalidInput, p.ID)
	}
	return fmt.Errorf("sqlite: insert proposal: %w", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (customization.Request, error) {
	var (
		req       customization.Request
		params    string
		status    string
		amount    string
		adminNote sql.NullString
		assigned  sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&req.ID, &req.CustomerID, &params, &status, &amount, &req.ChargeTransactionID,
		&adminNote, &assigned, &req.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return customization.Request{}, err
	}
	if err != nil {
		return customization.Request{}, fmt.Errorf("sqlite: scan request: %w", err)
	}

	req.Status = customization.Status(status)
	req.ChargeAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return customization.Request{}, fmt.Errorf("sqlite: parse charge amount: %w", err)
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &req.TravelParams); err != nil {
			return customization.Request{}, fmt.Errorf("sqlite: decode travel params: %w", err)
		}
	}
	if adminNote.Valid {
		req.AdminNote = &adminNote.String
	}
	if assigned.Valid {
		req.AssignedPartnerID = &assigned.String
	}
	req.CreatedAt = parseTime(createdAt)
	req.UpdatedAt = parseTime(updatedAt)
	return req, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
