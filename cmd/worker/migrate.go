package main

import (
	"fmt"

	"github.com/crossledger/settlement/internal/db"
	"github.com/crossledger/settlement/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations to POSTGRES_DSN",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		if cfg.MemoryStores {
			return fmt.Errorf("MEMORY_STORES is set, nothing to migrate")
		}

		pool, err := db.NewPostgresPool(cmd.Context(), cfg.PostgresDSN, 2, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		return db.RunMigrations(cmd.Context(), pool, migrations.FS, log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
