package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mandates "github.com/goliatone/go-mandates"
	"github.com/goliatone/go-mandates/transport/jsonrpc"
	"github.com/spf13/cobra"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var noMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-RPC API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !noMigrate && cfg.AutoMigrate)
		},
	}
	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "skip applying migrations on start")
	return cmd
}

func serve(ctx context.Context, cfg AppConfig, migrate bool) error {
	rt, err := buildRuntime(ctx, cfg, wiringOptions{migrate: migrate, seed: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Provider.GetLogger("serve")

	facade, err := mandates.NewFacade(rt.Service)
	if err != nil {
		return err
	}
	server, err := jsonrpc.NewServer(facade,
		jsonrpc.WithAgentInfo(jsonrpc.AgentInfo{
			Name:        cfg.AgentName,
			Description: cfg.AgentDescription,
			Provider:    cfg.ProviderName,
			Version:     cfg.AgentVersion,
			BaseURL:     cfg.BaseURL,
			Currency:    rt.Service.Config().Currency,
			Environment: cfg.Environment,
		}),
		jsonrpc.WithLogger(rt.Provider.GetLogger("jsonrpc")),
		jsonrpc.WithRateLimit(cfg.RateLimitPerMinute),
		jsonrpc.WithCORS(cfg.Origins()...),
		jsonrpc.WithDebug(cfg.Debug),
		jsonrpc.WithHealthCheck(rt.Store.Health),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// submitTask runs inline under the task timeout.
		WriteTimeout: rt.Service.Config().Task.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var workers sync.WaitGroup
	if cfg.ReconcileEveryS > 0 {
		workers.Go(func() {
			interval := time.Duration(cfg.ReconcileEveryS) * time.Second
			if err := rt.Service.RunReconciler(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reconciler stopped", "error", err)
			}
		})
	}
	if rt.Metrics != nil {
		workers.Go(func() {
			rt.Metrics.Run(ctx, time.Minute)
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("mandates api listening", "addr", httpServer.Addr, "database", string(rt.Store.Target.Scheme), "agent_card", cfg.BaseURL+"/.well-known/agent.json")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	workers.Wait()
	return err
}
