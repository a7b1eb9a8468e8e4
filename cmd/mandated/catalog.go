package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCatalogCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect or seed the service catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List catalog services and prices",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := flags.load(cmd)
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				rt, err := buildRuntime(ctx, cfg, wiringOptions{migrate: cfg.AutoMigrate, seed: true})
				if err != nil {
					return err
				}
				defer rt.Close()

				entries, err := rt.Service.ListServices(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SERVICE\tPRICE\tNAME")
				for _, entry := range entries {
					fmt.Fprintf(w, "%s\t%s %s\t%s\n", entry.ServiceID, entry.UnitPrice.StringFixed(2), entry.Currency, entry.Name)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Write the default catalog into an empty SQL catalog",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := flags.load(cmd)
				if err != nil {
					return err
				}
				target, err := parseDatabaseURL(cfg.DatabaseURL)
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				handle, err := openStore(ctx, target, storeOptions{migrate: cfg.AutoMigrate})
				if err != nil {
					return err
				}
				defer handle.Close()
				if handle.Factory == nil {
					return fmt.Errorf("catalog: %s stores serve the built-in catalog", target.Scheme)
				}
				written, err := seedCatalogIfEmpty(ctx, handle.Factory.CatalogStore())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d catalog entries\n", written)
				return nil
			},
		},
	)
	return cmd
}
