package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/account"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/automation"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/execlog"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/queue"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/vault"
	"github.com/google/uuid"
)

var (
	// ErrTaskVanished is returned when the dispatched task no longer exists.
	ErrTaskVanished = errors.New("task vanished")

	// ErrNotApproved is returned when a dispatched task was never approved.
	ErrNotApproved = errors.New("task is not approved")

	// ErrAccountBlocked is returned when the platform restricted the account mid-run.
	ErrAccountBlocked = errors.New("account blocked")
)

// ProgressFunc receives the running tally after every comment attempt.
type ProgressFunc func(ctx context.Context, current, total int)

// Executor runs one task end to end. It is safe for concurrent use; each
// Execute call is independent.
type Executor struct {
	tasks    store.TaskStore
	accounts store.AccountStore
	selector *account.Selector
	vault    *vault.Vault
	launcher automation.Launcher
	pacer    Pacer
	audit    *execlog.Recorder
	logger   *slog.Logger
	lease    time.Duration
	now      func() time.Time
}

// ExecutorDeps collects the Executor's collaborators.
type ExecutorDeps struct {
	Tasks    store.TaskStore
	Accounts store.AccountStore
	Selector *account.Selector
	Vault    *vault.Vault
	Launcher automation.Launcher
	Pacer    Pacer
	Audit    *execlog.Recorder
	Logger   *slog.Logger
	// LeaseDuration is how long the selected account stays claimed.
	LeaseDuration time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(deps ExecutorDeps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := deps.LeaseDuration
	if lease <= 0 {
		lease = 30 * time.Minute
	}
	return &Executor{
		tasks:    deps.Tasks,
		accounts: deps.Accounts,
		selector: deps.Selector,
		vault:    deps.Vault,
		launcher: deps.Launcher,
		pacer:    deps.Pacer,
		audit:    deps.Audit,
		logger:   logger.With("component", "executor"),
		lease:    lease,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// run is the state of one attempt.
type run struct {
	task      *domain.Task
	account   *domain.Account
	posted    int
	total     int
	audit     *execlog.TaskLog
	logger    *slog.Logger
	progress  ProgressFunc
	accountID *uuid.UUID
}

// Execute runs the task identified by taskID. Only an approved task runs;
// any other status yields Skipped or Fatal without side effects, so a
// redelivered message is harmless.
func (e *Executor) Execute(ctx context.Context, taskID uuid.UUID, progress ProgressFunc) queue.Outcome {
	log := e.logger.With("task_id", taskID)

	task, err := e.tasks.GetByID(ctx, taskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Warn("dispatched task does not exist")
			return queue.Fatal(fmt.Errorf("%w: %s", ErrTaskVanished, taskID))
		}
		log.Error("failed to fetch task", "error", err)
		return queue.Retryable(fmt.Errorf("fetch task: %w", err))
	}

	switch task.Status {
	case domain.TaskStatusApproved:
	case domain.TaskStatusProcessing, domain.TaskStatusCompleted, domain.TaskStatusFailed:
		log.Info("task already picked up, skipping redelivery", "status", task.Status)
		return queue.Skipped(fmt.Sprintf("task is %s", task.Status))
	default:
		log.Warn("dispatched task is not approved", "status", task.Status)
		return queue.Fatal(fmt.Errorf("%w: status %s", ErrNotApproved, task.Status))
	}

	// The fence: from here on a redelivery observes processing and skips.
	task, err = e.tasks.MarkProcessing(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTransitionConflict) {
			log.Info("another worker started the task first")
			return queue.Skipped("lost the processing fence")
		}
		log.Error("failed to mark task processing", "error", err)
		return queue.Retryable(fmt.Errorf("mark processing: %w", err))
	}

	r := &run{
		task:     task,
		total:    task.TotalComments(),
		audit:    e.audit.ForTask(taskID),
		logger:   log,
		progress: progress,
	}
	r.audit.Success(ctx, domain.StepStart, "task execution started", map[string]any{
		"region":       task.Region,
		"post_targets": len(task.PostTargets),
		"comments":     r.total,
	})

	if err := task.Validate(); err != nil {
		return e.fail(ctx, r, fmt.Sprintf("invalid task: %v", err))
	}

	return e.execute(ctx, r)
}

func (e *Executor) execute(ctx context.Context, r *run) queue.Outcome {
	acct, err := e.selector.Select(ctx, r.task.Region, r.task.ID, e.lease)
	if err != nil {
		if errors.Is(err, account.ErrNoEligibleAccount) {
			return e.fail(ctx, r, fmt.Sprintf("capacity error: no eligible account for region %s", r.task.Region))
		}
		return e.fail(ctx, r, fmt.Sprintf("account selection failed: %v", err))
	}
	r.account = acct
	r.accountID = &acct.ID
	r.logger = r.logger.With("account_id", acct.ID)
	defer func() {
		if err := e.selector.Release(ctx, acct.ID, r.task.ID); err != nil {
			r.logger.Warn("failed to release account lease", "error", err)
		}
	}()
	r.audit.Success(ctx, domain.StepAccount, "account selected", map[string]any{
		"account_id":   acct.ID.String(),
		"display_name": acct.DisplayName,
	})

	secrets, err := e.vault.OpenAccount(acct)
	if err != nil {
		// The cause names the failing field, never its contents.
		return e.fail(ctx, r, fmt.Sprintf("credential error: %v", err))
	}

	session, err := e.launcher.Open(ctx, automation.Credentials{
		AccountID: acct.ID,
		Session:   secrets.Session,
		Token:     secrets.Token,
		Egress:    secrets.Egress,
	})
	if err != nil {
		return e.fail(ctx, r, fmt.Sprintf("automation session unavailable: %v", err))
	}
	defer func() {
		if err := session.Close(ctx); err != nil {
			r.logger.Warn("failed to close automation session", "error", err)
		}
		e.touch(ctx, r)
	}()

	if err := e.postAll(ctx, r, session); err != nil {
		return e.fail(ctx, r, err.Error())
	}

	return e.complete(ctx, r)
}

// postAll walks the posts and comments in order. It returns an error only
// for conditions that end the task: a block or an expired context.
func (e *Executor) postAll(ctx context.Context, r *run, session automation.Session) error {
	for i, post := range r.task.PostTargets {
		if i > 0 {
			if err := e.pacer.BetweenPosts(ctx); err != nil {
				return fmt.Errorf("interrupted before post %d: %w", i+1, err)
			}
		}

		if err := session.Navigate(ctx, post); err != nil {
			r.logger.Warn("navigation failed", "post_index", i, "error", err)
			r.audit.Error(ctx, domain.StepNavigation, "navigation failed", map[string]any{
				"post_index": i,
				"post":       post,
				"error":      err.Error(),
			})
			continue
		}
		r.audit.Success(ctx, domain.StepNavigation, "navigated to post", map[string]any{
			"post_index": i,
			"post":       post,
		})

		for j, comment := range r.task.Comments {
			if j > 0 {
				if err := e.pacer.BetweenComments(ctx); err != nil {
					return fmt.Errorf("interrupted before comment %d of post %d: %w", j+1, i+1, err)
				}
			}
			if err := e.postOne(ctx, r, session, i, j, comment); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) postOne(ctx context.Context, r *run, session automation.Session, postIdx, commentIdx int, text string) error {
	blocked, err := session.DetectBlock(ctx)
	if err != nil {
		r.audit.Warning(ctx, domain.StepBlockCheck, "block check failed, continuing", map[string]any{
			"post_index":    postIdx,
			"comment_index": commentIdx,
			"error":         err.Error(),
		})
	}
	if blocked {
		r.logger.Warn("account block detected", "post_index", postIdx, "comment_index", commentIdx)
		r.audit.Error(ctx, domain.StepBlockCheck, "account block detected", map[string]any{
			"post_index":    postIdx,
			"comment_index": commentIdx,
		})
		if err := e.accounts.MarkBlocked(context.WithoutCancel(ctx), r.account.ID); err != nil {
			r.logger.Error("failed to mark account blocked", "error", err)
		}
		return fmt.Errorf("%w: stopped at comment %d of post %d after %d of %d comments",
			ErrAccountBlocked, commentIdx+1, postIdx+1, r.posted, r.total)
	}

	if err := session.PostComment(ctx, text); err != nil {
		r.audit.Error(ctx, domain.StepComment, "comment failed", map[string]any{
			"post_index":    postIdx,
			"comment_index": commentIdx,
			"error":         err.Error(),
		})
	} else {
		r.posted++
		r.audit.Success(ctx, domain.StepComment, "comment posted", map[string]any{
			"post_index":    postIdx,
			"comment_index": commentIdx,
		})
	}

	if err := e.tasks.UpdateProgress(ctx, r.task.ID, r.posted); err != nil {
		r.logger.Warn("failed to persist progress", "error", err)
	}
	if r.progress != nil {
		r.progress(ctx, r.posted, r.total)
	}
	return nil
}

func (e *Executor) complete(ctx context.Context, r *run) queue.Outcome {
	finalCtx := context.WithoutCancel(ctx)
	if err := e.tasks.MarkCompleted(finalCtx, r.task.ID, r.posted, r.account.ID); err != nil {
		r.logger.Error("failed to mark task completed", "error", err)
		return queue.Fatal(fmt.Errorf("mark completed: %w", err))
	}
	r.audit.Success(finalCtx, domain.StepCompletion, fmt.Sprintf("posted %d/%d comments", r.posted, r.total),
		map[string]any{"comments_posted": r.posted, "total": r.total})
	r.logger.Info("task completed", "comments_posted", r.posted, "total", r.total)
	return queue.Succeeded()
}

// fail records the failure and moves the task to failed. It writes with a
// context detached from ctx so a soft time limit still gets a final record.
func (e *Executor) fail(ctx context.Context, r *run, msg string) queue.Outcome {
	finalCtx := context.WithoutCancel(ctx)
	r.logger.Error("task failed", "error", msg, "comments_posted", r.posted)
	r.audit.Error(finalCtx, domain.StepError, msg, map[string]any{
		"comments_posted": r.posted,
		"total":           r.total,
	})
	if err := e.tasks.MarkFailed(finalCtx, r.task.ID, msg, r.posted, r.accountID); err != nil {
		r.logger.Error("failed to mark task failed", "error", err)
	}
	return queue.Fatal(errors.New(msg))
}

// touch sets last_used once the account has been used by a session.
func (e *Executor) touch(ctx context.Context, r *run) {
	if err := e.accounts.Touch(context.WithoutCancel(ctx), r.account.ID, e.now()); err != nil {
		r.logger.Warn("failed to update account last_used", "error", err)
	}
}
