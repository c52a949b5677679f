package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Queue is the producer-side API: enqueue, inspect and cancel dispatches.
// It holds no global state; construct one per broker and pass it down.
type Queue struct {
	broker Broker
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Queue over broker. If logger is nil the default logger is used.
func New(broker Broker, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		broker: broker,
		logger: logger.With("component", "queue"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue publishes msg for immediate dispatch and returns its handle.
func (q *Queue) Enqueue(ctx context.Context, msg Message) (Handle, error) {
	return q.EnqueueAt(ctx, msg, time.Time{})
}

// EnqueueAt publishes msg to become reservable at availableAt. A zero time
// means now.
func (q *Queue) EnqueueAt(ctx context.Context, msg Message, availableAt time.Time) (Handle, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	now := q.now()
	if availableAt.IsZero() || availableAt.Before(now) {
		availableAt = now
	}

	rec := &Record{
		Handle:     Handle(uuid.NewString()),
		Message:    msg,
		State:      StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := q.broker.Publish(ctx, rec, availableAt); err != nil {
		return "", fmt.Errorf("failed to enqueue %s on %s: %w", msg.TaskID, msg.Lane, err)
	}

	q.logger.Info("message enqueued",
		"handle", rec.Handle,
		"task_id", msg.TaskID,
		"lane", msg.Lane,
		"priority", msg.ClampedPriority())
	return rec.Handle, nil
}

// Status returns the current record of a dispatch.
func (q *Queue) Status(ctx context.Context, h Handle) (*Record, error) {
	return q.broker.Get(ctx, h)
}

// Cancel withdraws a dispatch that has not started. It reports false when the
// dispatch is already running or final.
func (q *Queue) Cancel(ctx context.Context, h Handle) (bool, error) {
	ok, err := q.broker.Cancel(ctx, h, q.now())
	if err != nil {
		return false, err
	}
	if ok {
		q.logger.Info("dispatch cancelled", "handle", h)
	}
	return ok, nil
}
