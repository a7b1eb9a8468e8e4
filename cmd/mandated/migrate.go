package main

import (
	"fmt"

	mandatemigrations "github.com/goliatone/go-mandates/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to a SQL database_url",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			target, err := parseDatabaseURL(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if target.Scheme != schemeSQLite && target.Scheme != schemePostgres {
				return fmt.Errorf("migrate: %s stores have no schema", target.Scheme)
			}
			ctx := cmd.Context()
			handle, err := openStore(ctx, target, storeOptions{migrate: true, seedCatalog: true})
			if err != nil {
				return err
			}
			defer handle.Close()

			missing, err := mandatemigrations.MissingTables(ctx, handle.SQLDB, handle.Dialect)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return fmt.Errorf("migrate: tables still missing after migration: %v", missing)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", handle.Dialect)
			return nil
		},
	}
}
