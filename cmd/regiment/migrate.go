package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/EdwinShiels/TheRegiment/pkg/config"
)

func migrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store and ledger schemas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, _, _, err := openStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "✓ schema up to date")
			return nil
		},
	}
}
