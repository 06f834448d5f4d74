package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-pipeserve/internal/metrics"
	"github.com/example/go-pipeserve/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			m := metrics.New()
			set, err := openSet(cmd.Context(), cfg, setDeps{metrics: m, opener: libraryOpener})
			if err != nil {
				return err
			}

			shutdown := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
			if shutdown <= 0 {
				shutdown = 30 * time.Second
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdown)
				defer cancel()
				if err := set.Close(ctx); err != nil {
					slog.Error("close pipelines", "error", err)
				}
			}()

			srv := server.New(cfg, server.FromSet(set), server.WithMetricsHandler(m.Handler())).
				WithShutdownTimeout(shutdown)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	return cmd
}
