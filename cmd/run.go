package cmd

import (
	"fmt"

	"github.com/arcward/invitebroker/invitebroker"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, API and (optionally) webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ib, err := invitebroker.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating invitebroker: %w", err)
			}

			if err = ib.Run(ctx); err != nil {
				return fmt.Errorf("error running invitebroker: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
