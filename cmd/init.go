package cmd

import (
	"errors"
	"fmt"

	"github.com/arcward/invitebroker/invitebroker"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var errDatabaseNotSet = errors.New(
	"database not configured: set IB_DATABASE_TYPE (sqlite or postgres) " +
		"and IB_DATABASE (connection string or sqlite file path)",
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer closeDB(db)

		allocator := invitebroker.NewAllocator(db, cfg.DBAcquireTimeout, nil, nil)
		available, err := allocator.RemainingCapacity(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Database initialized (%s)\n", cfg.DatabaseType)
		_, _ = fmt.Fprintf(out, "Available private bot slots: %d\n", available)
		_, _ = fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
		return nil
	},
}

// openDB creates (or migrates) the configured database
func openDB(cmd *cobra.Command) (*gorm.DB, error) {
	if cfg.DatabaseType == "" || cfg.Database == "" {
		return nil, errDatabaseNotSet
	}
	db, err := invitebroker.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error creating database: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
