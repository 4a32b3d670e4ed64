// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/netdiag/netdiag/internal/server"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnosis API server",
		Long:  "Load configuration, resume interrupted sessions, and serve the HTTP API until interrupted.",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "override listen address (host:port)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	dir, err := dataDir(cmd)
	if err != nil {
		return err
	}

	app, err := Wire(cfg, dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("shutdown incomplete", slog.Any("error", err))
		}
	}()

	svc, err := server.NewServices(app.Engine, app.Broker, app.Providers)
	if err != nil {
		return nderr.Wrapf(err, nderr.CodeCLISetupFailure, "creating services")
	}
	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit,
			Burst:             cfg.Server.RateBurst,
		},
		Gatherer: app.Registry,
		Logger:   logger,
	}, svc)
	if err != nil {
		return nderr.Wrapf(err, nderr.CodeCLISetupFailure, "creating server")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting netdiag", slog.String("config", cfg.String()))
	return serve(ctx, app, srv, logger)
}

// serve runs the server, the idle-session sweeper and crash recovery until
// ctx is done or one of them fails.
func serve(ctx context.Context, app *App, srv *server.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return app.Sweeper.Run(gctx) })
	g.Go(func() error {
		if _, err := app.Engine.Recover(gctx); err != nil {
			logger.Warn("session recovery failed", slog.Any("error", err))
		}
		return nil
	})

	return g.Wait()
}
