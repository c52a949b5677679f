// Package execlog writes the per-task audit trail. Writes are best-effort:
// a failed append is reported through the process logger and never aborts
// the execution that produced it.
package execlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// Recorder appends execution log entries to an ExecutionLogStore.
type Recorder struct {
	store  store.ExecutionLogStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. If logger is nil the default logger is used.
func NewRecorder(s store.ExecutionLogStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		logger: logger.With("component", "execution_log"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ForTask returns a TaskLog for one execution attempt of taskID.
func (r *Recorder) ForTask(taskID uuid.UUID) *TaskLog {
	return &TaskLog{recorder: r, taskID: taskID}
}

// TaskLog records the steps of a single attempt. Timestamps it assigns are
// strictly increasing, so the attempt's entries sort in the order written.
type TaskLog struct {
	recorder *Recorder
	taskID   uuid.UUID

	mu   sync.Mutex
	last time.Time
}

// Success records a successful step.
func (l *TaskLog) Success(ctx context.Context, step, message string, detail map[string]any) {
	l.Append(ctx, step, domain.LogOutcomeSuccess, message, detail)
}

// Warning records a step that needs attention but did not fail.
func (l *TaskLog) Warning(ctx context.Context, step, message string, detail map[string]any) {
	l.Append(ctx, step, domain.LogOutcomeWarning, message, detail)
}

// Error records a failed step.
func (l *TaskLog) Error(ctx context.Context, step, message string, detail map[string]any) {
	l.Append(ctx, step, domain.LogOutcomeError, message, detail)
}

// Append writes one entry. It never returns an error.
func (l *TaskLog) Append(ctx context.Context, step string, outcome domain.LogOutcome, message string, detail map[string]any) {
	entry := &domain.ExecutionLogEntry{
		TaskID:    l.taskID,
		Step:      step,
		Outcome:   outcome,
		Message:   message,
		Detail:    detail,
		Timestamp: l.nextTimestamp(),
	}

	if err := l.recorder.store.Append(ctx, entry); err != nil {
		l.recorder.logger.Error("failed to append execution log entry",
			"task_id", l.taskID,
			"step", step,
			"outcome", outcome,
			"error", err)
	}
}

func (l *TaskLog) nextTimestamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.recorder.now().Truncate(time.Microsecond)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	l.last = ts
	return ts
}
