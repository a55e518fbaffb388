package main

import (
	"fmt"

	"tourmatch/ledger"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type balanceOutput struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
}

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and seed virtual-currency balances",
	}

	var (
		depositAccount string
		amount         string
	)
	deposit := &cobra.Command{
		Use:   "deposit",
		Short: "Credit an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q: %w", amount, err)
			}
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			balance, err := ledger.NewPGLedger(pool).Deposit(cmd.Context(), depositAccount, amt)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), balanceOutput{AccountID: depositAccount, Balance: balance.String()})
		},
	}
	deposit.Flags().StringVar(&depositAccount, "account", "", "Account id (required)")
	deposit.Flags().StringVar(&amount, "amount", "", "Positive decimal amount (required)")
	_ = deposit.MarkFlagRequired("account")
	_ = deposit.MarkFlagRequired("amount")

	var balanceAccount string
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show an account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			b, err := ledger.NewPGLedger(pool).Balance(cmd.Context(), balanceAccount)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), balanceOutput{AccountID: balanceAccount, Balance: b.String()})
		},
	}
	balance.Flags().StringVar(&balanceAccount, "account", "", "Account id (required)")
	_ = balance.MarkFlagRequired("account")

	cmd.AddCommand(deposit, balance)
	return cmd
}
