package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/api"
	"github.com/evmts/smithers-go/internal/metrics"
	"github.com/evmts/smithers-go/internal/telemetry"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting smithers",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	collector := metrics.NewCollector("smithers", logger)

	// The hub is shared: the engine publishes into it, the server hangs
	// the /ws endpoint off it.
	hub := api.NewHub(cfg.Server.AllowedOrigins, collector, logger)

	reg, err := buildBackends(cfg.Backend)
	if err != nil {
		logger.Fatal("Failed to build backends", zap.Error(err))
	}
	mws, cleanup, err := buildMiddleware(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build middleware", zap.Error(err))
	}
	defer cleanup()

	eng, err := newEngine(cfg, st, reg, mws, hub, collector, logger)
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}
	defer eng.Close()

	srv := api.NewServer(api.Options{
		Config:  cfg.Server,
		Store:   st,
		Runner:  eng,
		Hub:     hub,
		Metrics: collector,
		Health:  st.Ping,
		Logger:  logger,
	})

	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	logger.Info("Operator API listening", zap.String("addr", srv.Addr()))

	srv.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if otelProviders != nil {
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	logger.Info("smithers stopped")
}
