package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/shared/config"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *postgres.DB) error {
				if err := postgres.Migrate(cmd.Context(), db); err != nil {
					return err
				}
				return printVersion(cmd, db)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *postgres.DB) error {
				if err := postgres.MigrateDown(cmd.Context(), db); err != nil {
					return err
				}
				return printVersion(cmd, db)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *postgres.DB) error {
				return printVersion(cmd, db)
			})
		},
	})

	return cmd
}

func withDB(fn func(db *postgres.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.StoragePostgres {
		return fmt.Errorf("migrations need STORAGE_DRIVER=%s", config.StoragePostgres)
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	return fn(db)
}

func printVersion(cmd *cobra.Command, db *postgres.DB) error {
	version, err := postgres.SchemaVersion(cmd.Context(), db)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
	return nil
}
