package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newReconcileCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail stuck payments and expire stale intents and carts once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg, wiringOptions{migrate: cfg.AutoMigrate})
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Service.Reconcile(ctx)
			if err != nil {
				return err
			}
			if rt.Metrics != nil {
				if flushErr := rt.Metrics.Flush(ctx); flushErr != nil {
					rt.Logger.Warn("metrics flush failed", "error", flushErr)
				}
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
}
