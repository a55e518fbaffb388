package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGLedger stores balances in ledger_accounts and debits in ledger_debits.
type PGLedger struct {
	pool  *pgxpool.Pool
	idGen func() string
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{
		pool:  pool,
		idGen: func() string { return uuid.NewString() },
	}
}

func (l *PGLedger) WithIDGenerator(gen func() string) *PGLedger {
	l.idGen = gen
	return l
}

func (l *PGLedger) Debit(ctx context.Context, accountID string, amount decimal.Decimal, idempotencyKey string) (Debit, error) {
	if err := validate(accountID, amount, idempotencyKey); err != nil {
		return Debit{}, err
	}

	existing, err := l.debitByKey(ctx, l.pool, idempotencyKey)
	switch {
	case err == nil:
		if !existing.matches(accountID, amount) {
			return Debit{}, ErrIdempotencyKeyReused
		}
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Debit{}, err
	}

	d, err := l.debitTx(ctx, accountID, amount, idempotencyKey)
	if err == nil {
		return d, nil
	}

	// A concurrent call with the same key won the insert; its debit stands.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		existing, lookupErr := l.debitByKey(ctx, l.pool, idempotencyKey)
		if lookupErr != nil {
			return Debit{}, fmt.Errorf("ledger: reload debit after conflict: %w", lookupErr)
		}
		if !existing.matches(accountID, amount) {
			return Debit{}, ErrIdempotencyKeyReused
		}
		return existing, nil
	}
	return Debit{}, err
}

func (l *PGLedger) debitTx(ctx context.Context, accountID string, amount decimal.Decimal, idempotencyKey string) (Debit, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Debit{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const debitSQL = `
		UPDATE ledger_accounts
		SET balance = balance - $2::numeric,
		    updated_at = now()
		WHERE account_id = $1 AND balance >= $2::numeric
		RETURNING balance::text
	`
	var afterText string
	if err := tx.QueryRow(ctx, debitSQL, accountID, amount.String()).Scan(&afterText); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Debit{}, ErrInsufficientBalance
		}
		return Debit{}, fmt.Errorf("ledger: update balance: %w", err)
	}
	after, err := decimal.NewFromString(afterText)
	if err != nil {
		return Debit{}, fmt.Errorf("ledger: parse balance: %w", err)
	}

	const insertSQL = `
		INSERT INTO ledger_debits (id, account_id, amount, idempotency_key, balance_after)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric)
		RETURNING created_at
	`
	d := Debit{
		ID:             l.idGen(),
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		BalanceAfter:   after,
	}
	if err := tx.QueryRow(ctx, insertSQL, d.ID, accountID, amount.String(), idempotencyKey, after.String()).Scan(&d.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Debit{}, err
		}
		return Debit{}, fmt.Errorf("ledger: insert debit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Debit{}, fmt.Errorf("ledger: commit debit: %w", err)
	}
	return d, nil
}

func (l *PGLedger) DebitByKey(ctx context.Context, idempotencyKey string) (Debit, error) {
	d, err := l.debitByKey(ctx, l.pool, idempotencyKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return Debit{}, ErrDebitNotFound
	}
	return d, err
}

func (l *PGLedger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var text string
	err := l.pool.QueryRow(ctx, `SELECT balance::text FROM ledger_accounts WHERE account_id = $1`, accountID).Scan(&text)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("ledger: query balance: %w", err)
	}
	bal, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse balance: %w", err)
	}
	return bal, nil
}

// Deposit credits an account, creating it when absent.
func (l *PGLedger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, errors.New("ledger: missing account id")
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	const query = `
		INSERT INTO ledger_accounts (account_id, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (account_id) DO UPDATE
		SET balance = ledger_accounts.balance + EXCLUDED.balance,
		    updated_at = now()
		RETURNING balance::text
	`
	var text string
	if err := l.pool.QueryRow(ctx, query, accountID, amount.String()).Scan(&text); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: deposit: %w", err)
	}
	bal, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse balance: %w", err)
	}
	return bal, nil
}

type rowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (l *PGLedger) debitByKey(ctx context.Context, q rowQueryer, key string) (Debit, error) {
	const query = `
		SELECT id, account_id, amount::text, idempotency_key, balance_after::text, created_at
		FROM ledger_debits
		WHERE idempotency_key = $1
	`
	var (
		d                   Debit
		amountText, afterTx string
		createdAt           time.Time
	)
	if err := q.QueryRow(ctx, query, key).Scan(&d.ID, &d.AccountID, &amountText, &d.IdempotencyKey, &afterTx, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Debit{}, err
		}
		return Debit{}, fmt.Errorf("ledger: load debit: %w", err)
	}
	var err error
	if d.Amount, err = decimal.NewFromString(amountText); err != nil {
		return Debit{}, fmt.Errorf("ledger: parse amount: %w", err)
	}
	if d.BalanceAfter, err = decimal.NewFromString(afterTx); err != nil {
		return Debit{}, fmt.Errorf("ledger: parse balance: %w", err)
	}
	d.CreatedAt = createdAt
	return d, nil
}
