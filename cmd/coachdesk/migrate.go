package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coachdesk/server/internal/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tables or indexes of the configured storage backend",
		Long: `Connects to the configured backend and creates whatever schema is missing.

Postgres gets its tables and indexes, MongoDB its indexes. Running it again is
harmless. The memory backend has nothing to migrate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			backend := cfg.Storage.Backend
			if backend == "" || backend == "memory" {
				fmt.Fprintln(cmd.OutOrStdout(), "memory backend: nothing to migrate")
				return nil
			}

			store, err := storage.NewStore(commandContext(cmd), storage.StoreConfigFrom(cfg.Storage))
			if err != nil {
				return fmt.Errorf("migrate %s: %w", backend, err)
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("close %s: %w", backend, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", backend)
			return nil
		},
	}
}
