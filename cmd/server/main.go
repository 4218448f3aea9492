package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tokenfund/internal/platform/config"
	"tokenfund/internal/platform/httpserver"
	"tokenfund/internal/platform/logger"
	"tokenfund/internal/platform/tracing"
)

// main loads configuration, wires the pipeline and the admin surface, and
// runs both until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	tracing.Install(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("trace provider shutdown failed", "error", err)
		}
	}()

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer app.close()

	srv := httpserver.New(cfg.Server.Addr, app.router)
	log.Info("starting tokenfund",
		"addr", cfg.Server.Addr,
		"deposit_address", cfg.Ledger.DepositAddress,
		"persistence", app.persistence,
		"lease_backend", cfg.Issuance.LeaseBackend,
		"trace_exporter", cfg.Tracing.Exporter,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.pipeline.Run(ctx) })
	g.Go(func() error { return httpserver.Run(ctx, srv) })
	if err := g.Wait(); err != nil {
		log.Error("tokenfund stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("tokenfund stopped")
}
