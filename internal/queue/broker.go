package queue

import (
	"context"
	"time"
)

// Broker stores dispatches and hands them out. Implementations give
// at-least-once delivery: a reserved dispatch that is neither completed nor
// retried before its visibility deadline is handed out again.
type Broker interface {
	// Publish stores a new pending dispatch, reservable from availableAt.
	Publish(ctx context.Context, rec *Record, availableAt time.Time) error

	// Reserve takes the highest-priority ready dispatch of lane, marks it
	// running, increments its attempt and hides it until visibleUntil.
	// It returns nil, nil when nothing is ready.
	Reserve(ctx context.Context, lane string, now, visibleUntil time.Time) (*Record, error)

	// Complete finishes a reserved dispatch as succeeded or failed.
	Complete(ctx context.Context, h Handle, state Status, errMsg string, now time.Time) error

	// Retry moves a reserved dispatch back to waiting until availableAt.
	Retry(ctx context.Context, h Handle, availableAt time.Time, errMsg string, now time.Time) error

	// Cancel withdraws a dispatch that is not running and not final.
	Cancel(ctx context.Context, h Handle, now time.Time) (bool, error)

	// SetProgress records progress for a dispatch.
	SetProgress(ctx context.Context, h Handle, p Progress) error

	// Get returns the current record or ErrUnknownHandle.
	Get(ctx context.Context, h Handle) (*Record, error)
}
