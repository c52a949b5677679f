package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/automation"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/execlog"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/queue"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/vault"
	"github.com/google/uuid"
)

// SetupHandler verifies a newly registered account on the setup lane: its
// credentials must decrypt and open a session that is not blocked. The
// message subject is the account ID.
type SetupHandler struct {
	accounts store.AccountStore
	vault    *vault.Vault
	launcher automation.Launcher
	logger   *slog.Logger
}

// NewSetupHandler creates a SetupHandler.
func NewSetupHandler(accounts store.AccountStore, v *vault.Vault, launcher automation.Launcher, logger *slog.Logger) *SetupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SetupHandler{
		accounts: accounts,
		vault:    v,
		launcher: launcher,
		logger:   logger.With("component", "setup_handler"),
	}
}

// Handle implements queue.Handler.
func (h *SetupHandler) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	accountID, err := uuid.Parse(d.Message.TaskID)
	if err != nil {
		return queue.Fatal(fmt.Errorf("invalid account id %q: %w", d.Message.TaskID, err))
	}
	log := h.logger.With("account_id", accountID)

	acct, err := h.accounts.GetByID(ctx, accountID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return queue.Skipped("account no longer exists")
		}
		return queue.Retryable(fmt.Errorf("load account: %w", err))
	}
	if acct.Blocked {
		return queue.Skipped("account already blocked")
	}

	secrets, err := h.vault.OpenAccount(acct)
	if err != nil {
		log.Error("account credentials cannot be decrypted", "error", err)
		return queue.Fatal(err)
	}

	session, err := h.launcher.Open(ctx, automation.Credentials{
		AccountID: acct.ID,
		Session:   secrets.Session,
		Token:     secrets.Token,
		Egress:    secrets.Egress,
	})
	if err != nil {
		return queue.Retryable(fmt.Errorf("open session: %w", err))
	}
	defer func() {
		if err := session.Close(ctx); err != nil {
			log.Warn("failed to close automation session", "error", err)
		}
	}()

	blocked, err := session.DetectBlock(ctx)
	if err != nil {
		return queue.Retryable(fmt.Errorf("block check: %w", err))
	}
	if blocked {
		if err := h.accounts.MarkBlocked(context.WithoutCancel(ctx), acct.ID); err != nil {
			return queue.Retryable(fmt.Errorf("mark blocked: %w", err))
		}
		log.Warn("registered account is blocked")
		return queue.Succeeded()
	}

	log.Info("account verified")
	return queue.Succeeded()
}

// CleanupHandler runs periodic housekeeping on the cleanup lane. It clears
// expired account leases and reports tasks stuck in processing. It never
// changes a task's status.
type CleanupHandler struct {
	tasks    store.TaskStore
	accounts store.AccountStore
	audit    *execlog.Recorder
	staleAge time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewCleanupHandler creates a CleanupHandler. Tasks processing for longer
// than staleAge are reported.
func NewCleanupHandler(tasks store.TaskStore, accounts store.AccountStore, audit *execlog.Recorder, staleAge time.Duration, logger *slog.Logger) *CleanupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupHandler{
		tasks:    tasks,
		accounts: accounts,
		audit:    audit,
		staleAge: staleAge,
		logger:   logger.With("component", "cleanup_handler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements queue.Handler.
func (h *CleanupHandler) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	now := h.now()

	released, err := h.accounts.ReleaseExpiredClaims(ctx, now)
	if err != nil {
		return queue.Retryable(fmt.Errorf("release expired claims: %w", err))
	}

	stale, err := h.tasks.FindStaleProcessing(ctx, now.Add(-h.staleAge))
	if err != nil {
		return queue.Retryable(fmt.Errorf("find stale tasks: %w", err))
	}
	for _, t := range stale {
		h.audit.ForTask(t.ID).Warning(ctx, domain.StepReconcile, "task has been processing longer than expected", map[string]any{
			"started_at":      t.StartedAt,
			"comments_posted": t.CommentsPosted,
		})
	}

	h.logger.Info("cleanup finished", "released_claims", released, "stale_tasks", len(stale))
	return queue.Succeeded()
}
