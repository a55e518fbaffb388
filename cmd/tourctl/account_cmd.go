package main

import (
	"context"
	"io"

	"tourmatch/account"

	"github.com/spf13/cobra"
)

func newAccountCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage contact profiles revealed to winning partners",
	}

	var p account.Profile
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a contact profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			saved, err := account.NewRepository(pool).Upsert(cmd.Context(), p)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), saved)
		},
	}
	upsert.Flags().StringVar(&p.ID, "account", "", "Account id (required)")
	upsert.Flags().StringVar(&p.DisplayName, "name", "", "Display name (required)")
	upsert.Flags().StringVar(&p.Email, "email", "", "Contact email")
	upsert.Flags().StringVar(&p.Phone, "phone", "", "Contact phone")
	_ = upsert.MarkFlagRequired("account")
	_ = upsert.MarkFlagRequired("name")

	var getAccount string
	get := &cobra.Command{
		Use:   "get",
		Short: "Show a profile and the contact a winning partner would see",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			return showAccount(cmd.Context(), cmd.OutOrStdout(), account.NewService(account.NewRepository(pool)), getAccount)
		},
	}
	get.Flags().StringVar(&getAccount, "account", "", "Account id (required)")
	_ = get.MarkFlagRequired("account")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List contact profiles ordered by display name",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			return listAccounts(cmd.Context(), cmd.OutOrStdout(), account.NewService(account.NewRepository(pool)), limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of profiles (capped at 100)")

	cmd.AddCommand(upsert, get, list)
	return cmd
}

type accountOutput struct {
	Profile account.Profile `json:"profile"`
	Contact account.Contact `json:"contact"`
}

func showAccount(ctx context.Context, w io.Writer, svc *account.Service, id string) error {
	p, err := svc.GetByID(ctx, id)
	if err != nil {
		return err
	}
	c, err := svc.Contact(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(w, accountOutput{Profile: p, Contact: c})
}

func listAccounts(ctx context.Context, w io.Writer, svc *account.Service, limit int) error {
	profiles, err := svc.List(ctx, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, profiles)
}
