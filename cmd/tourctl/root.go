package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tourmatch/config"
	"tourmatch/db"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	databaseURL string
	cfg         *config.Configuration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "tourctl",
		Short:        "Operator tooling for the tour customization service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadEnv([]string{".env", ".env.local"}); err != nil {
				return fmt.Errorf("load env files: %w", err)
			}
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			if opts.databaseURL == "" {
				opts.databaseURL = cfg.DatabaseURL
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL DSN (defaults to DATABASE_URL)")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newPartnerCmd(opts),
		newLedgerCmd(opts),
		newAccountCmd(opts),
	)
	return cmd
}

func (o *rootOptions) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if o.databaseURL == "" {
		return nil, errors.New("--database-url or DATABASE_URL is required")
	}
	return db.NewPool(ctx, o.databaseURL)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
