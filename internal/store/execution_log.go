package store

import (
	"context"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/google/uuid"
)

// ExecutionLogStore is the append-only audit trail. It has no update or delete.
type ExecutionLogStore interface {
	// Append stores one entry and assigns its ID.
	Append(ctx context.Context, entry *domain.ExecutionLogEntry) error

	// ListByTask returns a task's entries ordered by timestamp, then ID.
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ExecutionLogEntry, error)
}
