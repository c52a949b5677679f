package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/google/uuid"
)

// TaskStore defines the interface for automation task persistence.
// Every status change is a guarded compare-and-set on the current status:
// when the stored status is not the one the transition starts from, the
// method returns ErrTransitionConflict and changes nothing.
type TaskStore interface {
	// Create saves a new task. The task must validate and be pending_approval.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Approve moves pending_approval -> approved, stamps approved_at and stores the notes.
	Approve(ctx context.Context, id uuid.UUID, notes string) (*domain.Task, error)

	// Reject moves pending_approval -> rejected and stores the notes.
	Reject(ctx context.Context, id uuid.UUID, notes string) error

	// Withdraw deletes a task owned by ownerID while it is still
	// pending_approval or approved.
	Withdraw(ctx context.Context, id, ownerID uuid.UUID) error

	// MarkProcessing moves approved -> processing and stamps started_at.
	// This write is the execution fence.
	MarkProcessing(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// UpdateProgress raises comments_posted while the task is processing.
	// The stored value never decreases.
	UpdateProgress(ctx context.Context, id uuid.UUID, commentsPosted int) error

	// MarkCompleted moves processing -> completed and records the final tally.
	MarkCompleted(ctx context.Context, id uuid.UUID, commentsPosted int, accountID uuid.UUID) error

	// MarkFailed moves processing -> failed and records the error message.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, commentsPosted int, accountID *uuid.UUID) error

	// FindStaleProcessing returns tasks still processing that started before the cutoff.
	FindStaleProcessing(ctx context.Context, startedBefore time.Time) ([]*domain.Task, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) TaskStore
}
