package customization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGRepository implements Repository on customization_requests and
// customization_proposals.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const requestColumns = `id, customer_id, travel_params, status, charge_amount::text, charge_transaction_id,
	admin_note, assigned_partner_id, version, created_at, updated_at`

const proposalColumns = `id, request_id, partner_id, document_ref, submitted_at, outcome, resolved_at`

func (r *PGRepository) Create(ctx context.Context, req Request) (Request, error) {
	if req.ID == "" {
		return Request{}, fmt.Errorf("%w: missing request id", ErrInvalidInput)
	}
	params, err := json.Marshal(req.TravelParams)
	if err != nil {
		return Request{}, fmt.Errorf("customization: marshal travel params: %w", err)
	}
	if req.Version == 0 {
		req.Version = 1
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("customization: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO customization_requests (id, customer_id, travel_params, status, charge_amount,
			charge_transaction_id, admin_note, assigned_partner_id, version, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5::numeric, $6, $7, $8, $9, $10, $11)
	`
	if _, err := tx.Exec(ctx, insertSQL,
		req.ID,
		req.CustomerID,
		string(params),
		string(req.Status),
		req.ChargeAmount.String(),
		req.ChargeTransactionID,
		req.AdminNote,
		req.AssignedPartnerID,
		req.Version,
		req.CreatedAt,
		req.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return Request{}, ErrDuplicateRequest
		}
		return Request{}, fmt.Errorf("customization: insert request: %w", err)
	}

	for _, p := range req.Proposals {
		p.RequestID = req.ID
		if err := insertProposal(ctx, tx, p); err != nil {
			return Request{}, err
		}
	}

	created, err := loadRequest(ctx, tx, req.ID)
	if err != nil {
		return Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("customization: commit create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	return loadRequest(ctx, r.pool, id)
}

func (r *PGRepository) Update(ctx context.Context, req Request, expectedVersion int64) (Request, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("customization: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
		UPDATE customization_requests
		SET status = $2,
		    admin_note = $3,
		    assigned_partner_id = $4,
		    updated_at = $5,
		    version = version + 1
		WHERE id = $1 AND version = $6
	`
	tag, err := tx.Exec(ctx, updateSQL,
		req.ID,
		string(req.Status),
		req.AdminNote,
		req.AssignedPartnerID,
		req.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return Request{}, fmt.Errorf("customization: update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM customization_requests WHERE id = $1)`, req.ID).Scan(&exists); err != nil {
			return Request{}, fmt.Errorf("customization: check request: %w", err)
		}
		if !exists {
			return Request{}, ErrNotFound
		}
		return Request{}, ErrVersionConflict
	}

	const proposalSQL = `
		UPDATE customization_proposals
		SET outcome = $3,
		    resolved_at = $4
		WHERE id = $1 AND request_id = $2
	`
	for _, p := range req.Proposals {
		if _, err := tx.Exec(ctx, proposalSQL, p.ID, req.ID, string(p.Outcome), p.ResolvedAt); err != nil {
			if isUniqueViolation(err) {
				return Request{}, ErrVersionConflict
			}
			return Request{}, fmt.Errorf("customization: update proposal %s: %w", p.ID, err)
		}
	}

	updated, err := loadRequest(ctx, tx, req.ID)
	if err != nil {
		return Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("customization: commit update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) AppendProposal(ctx context.Context, requestID string, p Proposal) (Request, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("customization: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM customization_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("customization: lock request: %w", err)
	}
	if !Status(status).OpenToPartners() {
		return Request{}, ErrWrongState
	}

	p.RequestID = requestID
	if err := insertProposal(ctx, tx, p); err != nil {
		return Request{}, err
	}

	const bumpSQL = `
		UPDATE customization_requests
		SET version = version + 1,
		    updated_at = $2
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, bumpSQL, requestID, p.SubmittedAt); err != nil {
		return Request{}, fmt.Errorf("customization: bump version: %w", err)
	}

	updated, err := loadRequest(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("customization: commit proposal: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) ListByCustomer(ctx context.Context, customerID string, status Status) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM customization_requests WHERE customer_id = $1`
	args := []any{customerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return r.list(ctx, query, args...)
}

func (r *PGRepository) ListByStatus(ctx context.Context, status Status) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM customization_requests WHERE status = $1 ORDER BY created_at ASC, id ASC`
	return r.list(ctx, query, string(status))
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("customization: list requests: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, 8)
	index := make(map[string]int)
	ids := make([]string, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("customization: scan request: %w", err)
		}
		index[req.ID] = len(out)
		ids = append(ids, req.ID)
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("customization: iterate requests: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	prows, err := r.pool.Query(ctx, `SELECT `+proposalColumns+` FROM customization_proposals WHERE request_id = ANY($1) ORDER BY seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("customization: list proposals: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		p, err := scanProposal(prows)
		if err != nil {
			return nil, fmt.Errorf("customization: scan proposal: %w", err)
		}
		i := index[p.RequestID]
		out[i].Proposals = append(out[i].Proposals, p)
	}
	if err := prows.Err(); err != nil {
		return nil, fmt.Errorf("customization: iterate proposals: %w", err)
	}
	return out, nil
}

func loadRequest(ctx context.Context, q querier, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM customization_requests WHERE id = $1`
	req, err := scanRequest(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("customization: get request: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+proposalColumns+` FROM customization_proposals WHERE request_id = $1 ORDER BY seq`, id)
	if err != nil {
		return Request{}, fmt.Errorf("customization: query proposals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return Request{}, fmt.Errorf("customization: scan proposal: %w", err)
		}
		req.Proposals = append(req.Proposals, p)
	}
	if err := rows.Err(); err != nil {
		return Request{}, fmt.Errorf("customization: iterate proposals: %w", err)
	}
	return req, nil
}

func insertProposal(ctx context.Context, tx pgx.Tx, p Proposal) error {
	if p.Outcome == "" {
		p.Outcome = OutcomeOpen
	}
	const insertSQL = `
		INSERT INTO customization_proposals (id, request_id, partner_id, document_ref, submitted_at, outcome, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.Exec(ctx, insertSQL, p.ID, p.RequestID, p.PartnerID, p.DocumentRef, p.SubmittedAt, string(p.Outcome), p.ResolvedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "customization_proposals_partner_key" {
			return ErrDuplicateProposal
		}
		return fmt.Errorf("%w: proposal id %s exists", ErrInvalidInput, p.ID)
	}
	return fmt.Errorf("customization: insert proposal: %w", err)
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req        Request
		params     []byte
		status     string
		amountText string
	)
	if err := row.Scan(
		&req.ID,
		&req.CustomerID,
		&params,
		&status,
		&amountText,
		&req.ChargeTransactionID,
		&req.AdminNote,
		&req.AssignedPartnerID,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return Request{}, err
	}
	req.Status = Status(status)

	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return Request{}, fmt.Errorf("customization: parse charge amount: %w", err)
	}
	req.ChargeAmount = amount
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req.TravelParams); err != nil {
			return Request{}, fmt.Errorf("customization: decode travel params: %w", err)
		}
	}
	return req, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p          Proposal
		outcome    string
		resolvedAt *time.Time
	)
	if err := row.Scan(&p.ID, &p.RequestID, &p.PartnerID, &p.DocumentRef, &p.SubmittedAt, &outcome, &resolvedAt); err != nil {
		return Proposal{}, err
	}
	p.Outcome = Outcome(outcome)
	p.ResolvedAt = resolvedAt
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
