package main

// Package main is the entry point for the cementai optimizer service.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the SQLite store and recover in-flight decisions and pending
//     rollback checks from a previous run
//   - Start the per-line polling loop against the plant data and prediction
//     services
//   - Start the approval watchdog and the rollback monitor
//   - Serve the operator REST API, Prometheus metrics, and the decision
//     event WebSocket
//   - Implement graceful shutdown with context cancellation
//
// Architecture Flow:
//   1. Poller → snapshot + prediction → recommendation engine (rule cascade)
//   2. Actionable recommendations → autonomy manager (tier routing, approval)
//   3. Approved decisions → executor (safety envelope clamp, control write)
//   4. Executed actions → rollback monitor (deferred KPI check after horizon)
//   5. REST API + WebSocket expose decisions and plant state to operators

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/cementai/optimizer.yaml", "path to the configuration file")
	flag.Parse()

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config manager: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get(ctx)

	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("create server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		logger.Fatal("start server", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := srv.Stop(); err != nil {
		logger.Error("stop server", zap.Error(err))
		os.Exit(1)
	}
}

// buildLogger constructs the process logger from the configured level and
// format (json or console).
func buildLogger(level, format string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = lvl
	return zapCfg.Build()
}
