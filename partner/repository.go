package partner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository backed by partner_memberships.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) IsEligible(ctx context.Context, accountID string, at time.Time) (bool, error) {
	var ok bool
	const query = `SELECT EXISTS (SELECT 1 FROM partner_memberships WHERE account_id = $1 AND valid_until > $2)`
	if err := r.pool.QueryRow(ctx, query, accountID, at).Scan(&ok); err != nil {
		return false, fmt.Errorf("partner: check eligibility: %w", err)
	}
	return ok, nil
}

func (r *PGRepository) Get(ctx context.Context, accountID string) (Membership, error) {
	const query = `
		SELECT account_id, valid_until, created_at, updated_at
		FROM partner_memberships
		WHERE account_id = $1
	`
	m, err := scanMembership(r.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrNotFound
		}
		return Membership{}, fmt.Errorf("partner: get membership: %w", err)
	}
	return m, nil
}

func (r *PGRepository) Grant(ctx context.Context, accountID string, validUntil time.Time) (Membership, error) {
	if accountID == "" {
		return Membership{}, errors.New("partner: missing account id")
	}
	const query = `
		INSERT INTO partner_memberships (account_id, valid_until)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE
		SET valid_until = EXCLUDED.valid_until,
		    updated_at = now()
		RETURNING account_id, valid_until, created_at, updated_at
	`
	m, err := scanMembership(r.pool.QueryRow(ctx, query, accountID, validUntil))
	if err != nil {
		return Membership{}, fmt.Errorf("partner: grant membership: %w", err)
	}
	return m, nil
}

func (r *PGRepository) Revoke(ctx context.Context, accountID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM partner_memberships WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("partner: revoke membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMembership(row pgx.Row) (Membership, error) {
	var m Membership
	return m, row.Scan(&m.AccountID, &m.ValidUntil, &m.CreatedAt, &m.UpdatedAt)
}
