package main

import (
	"time"

	"tourmatch/auth"

	"github.com/spf13/cobra"
)

type tokenOutput struct {
	AccountID string    `json:"account_id"`
	Role      auth.Role `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token utilities",
	}

	var (
		accountID string
		role      string
		ttl       time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				ttl = opts.cfg.TokenTTL
			}
			svc := auth.NewService(opts.cfg.Secret(), ttl)
			token, expires, err := svc.IssueToken(accountID, auth.Role(role))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tokenOutput{
				AccountID: accountID,
				Role:      auth.Role(role),
				Token:     token,
				ExpiresAt: expires.UTC(),
			})
		},
	}
	issue.Flags().StringVar(&accountID, "account", "", "Account id (required)")
	issue.Flags().StringVar(&role, "role", string(auth.RoleCustomer), "customer, partner or reviewer")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to TOKEN_TTL)")
	_ = issue.MarkFlagRequired("account")

	cmd.AddCommand(issue)
	return cmd
}
