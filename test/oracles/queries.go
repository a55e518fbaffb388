package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns invariant queries; each must return zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_proposal",
			SQL: `SELECT request_id, COUNT(*) FROM customization_proposals
                  WHERE outcome = 'accepted'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_accepted_status_consistent",
			SQL: `SELECT r.id, r.status FROM customization_requests r
                  JOIN customization_proposals p ON p.request_id = r.id AND p.outcome = 'accepted'
                  WHERE r.status <> 'proposal-accepted'
                  UNION ALL
                  SELECT r.id, r.status FROM customization_requests r
                  WHERE r.status = 'proposal-accepted'
                    AND NOT EXISTS (SELECT 1 FROM customization_proposals p
                                    WHERE p.request_id = r.id AND p.outcome = 'accepted')`,
		},
		{
			Name: "O3_resolution_complete",
			SQL: `SELECT p.id, p.outcome, p.resolved_at FROM customization_proposals p
                  JOIN customization_requests r ON r.id = p.request_id
                  WHERE (r.status = 'proposal-accepted' AND p.outcome = 'open')
                     OR (p.outcome <> 'open' AND p.resolved_at IS NULL)
                     OR (p.outcome = 'open' AND p.resolved_at IS NOT NULL)`,
		},
		{
			Name: "O4_unique_partner_bid",
			SQL: `SELECT request_id, partner_id, COUNT(*) FROM customization_proposals
                  GROUP BY request_id, partner_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_charge_linked",
			SQL: `SELECT r.id, r.charge_transaction_id FROM customization_requests r
                  LEFT JOIN ledger_debits d ON d.id = r.charge_transaction_id
                  WHERE d.id IS NULL
                     OR d.account_id <> r.customer_id
                     OR d.amount <> r.charge_amount
                     OR d.idempotency_key <> 'customization-request:' || r.id`,
		},
		{
			Name: "O6_non_negative_balance",
			SQL:  `SELECT account_id, balance FROM ledger_accounts WHERE balance < 0`,
		},
		{
			Name: "O7_proposal_state_gate",
			SQL: `SELECT p.id, r.status, p.partner_id FROM customization_proposals p
                  JOIN customization_requests r ON r.id = p.request_id
                  WHERE r.status IN ('pending', 'under-review', 'approved', 'rejected')
                     OR p.partner_id = r.customer_id`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id, kind, attempts, last_error FROM notification_outbox
                  WHERE published_at IS NULL AND dead_at IS NULL
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}

// CheckConservation verifies that every account seeded with seed still holds
// seed minus the sum of its debits. Returns a description of the first
// mismatch, or an empty string.
func CheckConservation(ctx context.Context, pool *pgxpool.Pool, accounts []string, seed decimal.Decimal) (string, error) {
	rows, err := pool.Query(ctx, `SELECT a.account_id, a.balance::text, COALESCE(SUM(d.amount), 0)::text
                                  FROM ledger_accounts a
                                  LEFT JOIN ledger_debits d ON d.account_id = a.account_id
                                  WHERE a.account_id = ANY($1)
                                  GROUP BY a.account_id, a.balance`, accounts)
	if err != nil {
		return "", fmt.Errorf("conservation: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, balanceText, spentText string
		if err := rows.Scan(&id, &balanceText, &spentText); err != nil {
			return "", fmt.Errorf("conservation scan: %w", err)
		}
		balance, err := decimal.NewFromString(balanceText)
		if err != nil {
			return "", fmt.Errorf("conservation balance: %w", err)
		}
		spent, err := decimal.NewFromString(spentText)
		if err != nil {
			return "", fmt.Errorf("conservation debits: %w", err)
		}
		if !balance.Add(spent).Equal(seed) {
			return fmt.Sprintf("account=%s balance=%s debited=%s seed=%s", id, balance, spent, seed), nil
		}
	}
	return "", rows.Err()
}
