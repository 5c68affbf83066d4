package cmd

import (
	"fmt"

	"github.com/arcward/invitebroker/invitebroker"
	"github.com/spf13/cobra"
)

var capacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Print the number of guilds that can still be assigned a private bot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer closeDB(db)

		allocator := invitebroker.NewAllocator(db, cfg.DBAcquireTimeout, nil, nil)
		available, err := allocator.RemainingCapacity(cmd.Context())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), available)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(capacityCmd)
}
