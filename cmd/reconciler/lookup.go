package main

import (
	"errors"
	"fmt"

	"optout_sync/internal/domain/optout"
	"optout_sync/internal/infra/config"

	"github.com/spf13/cobra"
)

func newLookupCmd() *cobra.Command {
	var companyID, email string
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show the stored opt-out entry for a company and email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStore()
			if err != nil {
				return fmt.Errorf("could not load store configuration: %w", err)
			}
			store, err := newStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			key := optout.NewKey(companyID, email)
			entry, err := store.Get(cmd.Context(), key)
			if errors.Is(err, optout.ErrEntryNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "no entry for %s\n", key)
				return nil
			}
			if err != nil {
				return err
			}
			stored, err := entry.Key.Email()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tcompany=%s\temail=%s\tcreated=%s\n",
				entry.Key, entry.CompanyID, stored, entry.CreatedAtString())
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company id")
	cmd.Flags().StringVar(&email, "email", "", "opted-out email address")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
