package main

import (
	"fmt"
	"time"

	"tourmatch/partner"

	"github.com/spf13/cobra"
)

func newPartnerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partner",
		Short: "Manage partner memberships",
	}

	var (
		grantAccount string
		until        string
		days         int
	)
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Create or extend a membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			validUntil, err := membershipEnd(until, days, time.Now())
			if err != nil {
				return err
			}
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			m, err := partner.NewRepository(pool).Grant(cmd.Context(), grantAccount, validUntil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), m)
		},
	}
	grant.Flags().StringVar(&grantAccount, "account", "", "Account id (required)")
	grant.Flags().StringVar(&until, "until", "", "Expiry as RFC3339 or YYYY-MM-DD")
	grant.Flags().IntVar(&days, "days", 30, "Membership length in days when --until is not set")
	_ = grant.MarkFlagRequired("account")

	var revokeAccount string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Remove a membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := partner.NewRepository(pool).Revoke(cmd.Context(), revokeAccount); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"account_id": revokeAccount, "status": "revoked"})
		},
	}
	revoke.Flags().StringVar(&revokeAccount, "account", "", "Account id (required)")
	_ = revoke.MarkFlagRequired("account")

	cmd.AddCommand(grant, revoke)
	return cmd
}

func membershipEnd(until string, days int, now time.Time) (time.Time, error) {
	if until == "" {
		if days <= 0 {
			return time.Time{}, fmt.Errorf("--days must be positive, got %d", days)
		}
		return now.UTC().Add(time.Duration(days) * 24 * time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, until); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", until)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --until %q: want RFC3339 or YYYY-MM-DD", until)
	}
	return t.UTC(), nil
}
