package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/catalog-sync/internal/config"
	"github.com/jonathan/catalog-sync/internal/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if a.cfg.Store != config.StorePostgres {
				fmt.Fprintf(out, "%s store needs no migrations\n", a.cfg.Store) //nolint:errcheck
				return nil
			}

			ctx := cmd.Context()
			pg, err := db.Connect(ctx, a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			version, err := pg.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "database at migration version %d\n", version) //nolint:errcheck
			return nil
		},
	}
}
