package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested account does not exist.
var ErrNotFound = errors.New("account: not found")

// Repository provides access to contact profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id, display_name, email, phone, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	p, err := scanProfile(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("account: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit profiles ordered by display name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, display_name, email, phone, created_at, updated_at
		FROM accounts
		ORDER BY display_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("account: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account: iterate profiles: %w", err)
	}
	return profiles, nil
}

// Upsert inserts or replaces a profile's contact details.
func (r *Repository) Upsert(ctx context.Context, p Profile) (Profile, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Profile{}, errors.New("account: missing id")
	}

	const query = `
		INSERT INTO accounts (id, display_name, email, phone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    updated_at = now()
		RETURNING id, display_name, email, phone, created_at, updated_at
	`
	out, err := scanProfile(r.pool.QueryRow(ctx, query, p.ID, p.DisplayName, p.Email, p.Phone))
	if err != nil {
		return Profile{}, fmt.Errorf("account: upsert: %w", err)
	}
	return out, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	return p, row.Scan(&p.ID, &p.DisplayName, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
}
