package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mit-bodhiq/bodhiq/internal/config"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
	"github.com/mit-bodhiq/bodhiq/internal/storage/sqlite"
	"github.com/mit-bodhiq/bodhiq/migrations"
)

func newMigrateCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := newLogger(os.Stderr)
			out := cmd.OutOrStdout()

			if cfg.Store == config.StoreSQLite {
				// Opening the SQLite store applies its embedded schema.
				s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
				if err != nil {
					return err
				}
				s.Close(ctx)
				_, err = fmt.Fprintf(out, "sqlite schema up to date: %s\n", cfg.SQLitePath)
				return err
			}

			db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			pending, err := db.PendingMigrations(ctx, migrations.FS)
			if err != nil {
				return err
			}
			if !dryRun && len(pending) > 0 {
				if err := db.RunMigrations(ctx, migrations.FS); err != nil {
					return err
				}
			}

			if outputFormat(cmd) == "json" {
				key := "applied"
				if dryRun {
					key = "pending"
				}
				if pending == nil {
					pending = []string{}
				}
				return printJSON(out, map[string][]string{key: pending})
			}
			if len(pending) == 0 {
				_, err = fmt.Fprintln(out, "no pending migrations")
				return err
			}
			verb := "applied"
			if dryRun {
				verb = "pending"
			}
			for _, name := range pending {
				fmt.Fprintf(out, "%s: %s\n", verb, name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending migrations without applying them")
	return cmd
}
