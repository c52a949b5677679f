package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/queue"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// AutomationHandler runs automation-lane dispatches through an Executor.
type AutomationHandler struct {
	executor *Executor
	logger   *slog.Logger
}

var (
	_ queue.Handler         = (*AutomationHandler)(nil)
	_ queue.TerminalHandler = (*AutomationHandler)(nil)
)

// NewAutomationHandler creates an AutomationHandler.
func NewAutomationHandler(executor *Executor, logger *slog.Logger) *AutomationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutomationHandler{
		executor: executor,
		logger:   logger.With("component", "automation_handler"),
	}
}

// Handle implements queue.Handler.
func (h *AutomationHandler) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	taskID, err := uuid.Parse(d.Message.TaskID)
	if err != nil {
		h.logger.Error("dispatch carries an invalid task id", "task_id", d.Message.TaskID, "handle", d.Handle)
		return queue.Fatal(fmt.Errorf("invalid task id %q: %w", d.Message.TaskID, err))
	}
	h.logger.Debug("dispatch received", "task_id", taskID, "handle", d.Handle, "attempt", d.Attempt)
	return h.executor.Execute(ctx, taskID, d.ReportProgress)
}

// OnTerminalFailure writes the failure to the task once the dispatch has
// given up, so the owner never sees a task stuck in approved or processing.
// A task already in a final status is left alone.
func (h *AutomationHandler) OnTerminalFailure(ctx context.Context, d *queue.Delivery, reason string) {
	taskID, err := uuid.Parse(d.Message.TaskID)
	if err != nil {
		return
	}
	log := h.logger.With("task_id", taskID, "handle", d.Handle)
	tasks := h.executor.tasks

	task, err := tasks.GetByID(ctx, taskID)
	if err != nil {
		if !store.IsNotFoundError(err) {
			log.Error("failed to load task after terminal failure", "error", err)
		}
		return
	}

	msg := fmt.Sprintf("dispatch failed after %d attempt(s): %s", d.Attempt, reason)
	switch task.Status {
	case domain.TaskStatusApproved:
		if _, err := tasks.MarkProcessing(ctx, taskID); err != nil {
			h.logTransitionError(log, "mark processing", err)
			return
		}
	case domain.TaskStatusProcessing:
	default:
		return
	}

	if err := tasks.MarkFailed(ctx, taskID, msg, task.CommentsPosted, task.AccountID); err != nil {
		h.logTransitionError(log, "mark failed", err)
		return
	}
	h.executor.audit.ForTask(taskID).Error(ctx, domain.StepError, msg, map[string]any{
		"attempts": d.Attempt,
	})
	log.Warn("task failed after dispatch gave up", "attempts", d.Attempt, "reason", reason)
}

func (h *AutomationHandler) logTransitionError(log *slog.Logger, op string, err error) {
	if errors.Is(err, store.ErrTransitionConflict) {
		log.Debug("task moved on before terminal failure was recorded", "op", op)
		return
	}
	log.Error("failed to record terminal failure", "op", op, "error", err)
}
