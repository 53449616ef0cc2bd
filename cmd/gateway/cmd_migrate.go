package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/sqldb"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if strings.EqualFold(cfg.Storage.Driver, "memory") {
			return fmt.Errorf("storage driver %q has no schema to migrate", cfg.Storage.Driver)
		}

		store, err := sqldb.New(cmd.Context(), sqldb.Config{
			Driver:         cfg.Storage.Driver,
			DSN:            cfg.Storage.DSN,
			SkipMigrations: true,
		})
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		version, err := store.Migrate()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d.\n", version)
		return nil
	},
}
