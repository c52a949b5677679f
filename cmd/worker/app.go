package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/account"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/automation"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/config"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/execlog"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/platform/postgres"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/queue"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/task"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/vault"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// app holds the wired worker components.
type app struct {
	redis      *redis.Client
	queue      *queue.Queue
	dispatcher *queue.Dispatcher
	logger     *slog.Logger
}

func dispatcherConfig(cfg config.QueueConfig) queue.DispatcherConfig {
	return queue.DispatcherConfig{
		PollInterval:      cfg.PollInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		SoftTimeLimit:     cfg.SoftTimeLimit,
		HardTimeLimit:     cfg.HardTimeLimit,
		BackoffUnit:       cfg.BackoffUnit,
	}
}

func newApp(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*app, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Address, err)
	}

	v, err := vault.New(cfg.Vault.EncryptionKey, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to set up credential vault: %w", err)
	}

	launcher, err := automation.NewClient(cfg.Automation.BaseURL, cfg.Automation.RequestTimeout, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to set up automation client: %w", err)
	}

	tasks := postgres.NewPostgresTaskStore(db, logger)
	accounts := postgres.NewPostgresAccountStore(db, logger)
	audit := execlog.NewRecorder(postgres.NewPostgresExecutionLogStore(db, logger), logger)

	broker := queue.NewRedisBroker(rdb, queue.DefaultKeyPrefix)
	q := queue.New(broker, logger)

	executor := task.NewExecutor(task.ExecutorDeps{
		Tasks:    tasks,
		Accounts: accounts,
		Selector: account.NewSelector(accounts, logger),
		Vault:    v,
		Launcher: launcher,
		Pacer: task.NewRandomPacer(
			task.Range{Min: cfg.Pacing.CommentDelayMin, Max: cfg.Pacing.CommentDelayMax},
			task.Range{Min: cfg.Pacing.PostDelayMin, Max: cfg.Pacing.PostDelayMax},
		),
		Audit:         audit,
		Logger:        logger,
		LeaseDuration: cfg.Accounts.LeaseDuration,
	})

	d := queue.NewDispatcher(broker, dispatcherConfig(cfg.Queue), logger)
	d.Register(queue.LaneAutomation, cfg.Queue.AutomationWorkers, task.NewAutomationHandler(executor, logger))
	d.Register(queue.LaneSetup, cfg.Queue.SetupWorkers, task.NewSetupHandler(accounts, v, launcher, logger))
	d.Register(queue.LaneCleanup, cfg.Queue.CleanupWorkers,
		task.NewCleanupHandler(tasks, accounts, audit, cfg.Queue.StaleTaskAge, logger))

	return &app{redis: rdb, queue: q, dispatcher: d, logger: logger}, nil
}

// scheduleCleanup enqueues a cleanup dispatch immediately and then every
// interval until ctx is done.
func (a *app) scheduleCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.queue.Enqueue(ctx, queue.Message{
			TaskID:      uuid.NewString(),
			Lane:        queue.LaneCleanup,
			Priority:    queue.MinPriority,
			RetryPolicy: queue.RetryPolicy{},
		}); err != nil && ctx.Err() == nil {
			a.logger.Error("failed to schedule cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) close() {
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("failed to close redis client", "error", err)
	}
}
