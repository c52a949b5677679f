// Package main implements the automation worker: it runs the dispatch lanes
// that execute approved comment tasks, verify new accounts and clean up
// expired leases.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/config"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/platform/logger"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/platform/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml if present)")
	migrate := flag.String("migrate", "", "run a migration command (up, down, status, version) and exit")
	flag.Parse()

	if err := run(*configPath, *migrate); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run(configPath, migrateCmd string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, l)

	db, err := openDatabase(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if migrateCmd != "" {
		return postgres.Migrate(ctx, db, migrateCmd, l)
	}

	app, err := newApp(ctx, cfg, db, l)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	l.Info("worker started",
		"automation_workers", cfg.Queue.AutomationWorkers,
		"setup_workers", cfg.Queue.SetupWorkers,
		"cleanup_workers", cfg.Queue.CleanupWorkers)

	go app.scheduleCleanup(ctx, cfg.Queue.CleanupInterval)

	<-ctx.Done()
	l.Info("shutdown signal received, waiting for running tasks")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.HardTimeLimit+time.Minute)
	defer cancel()
	if err := app.dispatcher.Stop(shutdownCtx); err != nil {
		slog.Error("dispatcher did not stop cleanly", "error", err)
		return err
	}
	l.Info("worker stopped")
	return nil
}
