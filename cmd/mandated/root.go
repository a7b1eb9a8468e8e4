package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	envFiles []string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "mandated",
		Short:         "Mandate-gated consulting agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading MANDATES_ variables")

	cmd.AddCommand(
		newServeCommand(flags),
		newMigrateCommand(flags),
		newReconcileCommand(flags),
		newCatalogCommand(flags),
	)
	return cmd
}

func (f *rootFlags) load(cmd *cobra.Command) (AppConfig, error) {
	return loadAppConfig(cmd.Context(), f.envFiles...)
}
