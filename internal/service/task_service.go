package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/queue"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// Enqueuer submits dispatches to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) (queue.Handle, error)
}

// TaskService manages automation tasks up to the point a worker picks them up.
type TaskService struct {
	db       *sql.DB
	tasks    store.TaskStore
	enqueuer Enqueuer
	policy   queue.RetryPolicy
	logger   *slog.Logger
}

// NewTaskService creates a TaskService. It returns an error if any required
// dependency is nil.
func NewTaskService(db *sql.DB, tasks store.TaskStore, enqueuer Enqueuer, logger *slog.Logger) (*TaskService, error) {
	if db == nil {
		return nil, NewServiceError("task", "create_service", errors.New("db cannot be nil"))
	}
	if tasks == nil {
		return nil, NewServiceError("task", "create_service", errors.New("tasks cannot be nil"))
	}
	if enqueuer == nil {
		return nil, NewServiceError("task", "create_service", errors.New("enqueuer cannot be nil"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		db:       db,
		tasks:    tasks,
		enqueuer: enqueuer,
		policy:   queue.DefaultRetryPolicy(),
		logger:   logger.With("component", "task_service"),
	}, nil
}

// Submit creates a task in pending_approval.
func (s *TaskService) Submit(ctx context.Context, ownerID uuid.UUID, region string, comments, postTargets []string) (*domain.Task, error) {
	task, err := domain.NewTask(ownerID, region, comments, postTargets)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		s.logger.Error("failed to create task", "error", err, "owner_id", ownerID)
		return nil, NewServiceError("task", "submit", err)
	}
	s.logger.Info("task submitted", "task_id", task.ID, "owner_id", ownerID, "region", task.Region)
	return task, nil
}

// Get returns a task.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapError("get", err)
	}
	return task, nil
}

// Approve moves the task to approved and enqueues its dispatch on the
// automation lane. Both happen in one transaction: when the enqueue fails
// the approval is rolled back, so an approved task always has a dispatch.
func (s *TaskService) Approve(ctx context.Context, id uuid.UUID, notes string) (*domain.Task, queue.Handle, error) {
	var (
		approved *domain.Task
		handle   queue.Handle
	)

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		approved, err = s.tasks.WithTx(tx).Approve(ctx, id, notes)
		if err != nil {
			return s.mapError("approve", err)
		}

		handle, err = s.enqueuer.Enqueue(ctx, queue.Message{
			TaskID:      id.String(),
			Lane:        queue.LaneAutomation,
			Priority:    queue.DefaultPriority,
			RetryPolicy: s.policy,
		})
		if err != nil {
			s.logger.Error("failed to enqueue approved task", "error", err, "task_id", id)
			return fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("task approved", "task_id", id, "handle", handle)
	return approved, handle, nil
}

// Reject moves the task to rejected.
func (s *TaskService) Reject(ctx context.Context, id uuid.UUID, notes string) error {
	if err := s.tasks.Reject(ctx, id, notes); err != nil {
		return s.mapError("reject", err)
	}
	s.logger.Info("task rejected", "task_id", id)
	return nil
}

// Withdraw deletes a task on behalf of its owner while it has not started.
func (s *TaskService) Withdraw(ctx context.Context, id, ownerID uuid.UUID) error {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return s.mapError("withdraw", err)
	}
	if task.OwnerID != ownerID {
		return ErrNotOwned
	}
	if err := s.tasks.Withdraw(ctx, id, ownerID); err != nil {
		return s.mapError("withdraw", err)
	}
	s.logger.Info("task withdrawn", "task_id", id, "owner_id", ownerID)
	return nil
}

func (s *TaskService) mapError(op string, err error) error {
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrInvalidTransition):
		return err
	case store.IsNotFoundError(err):
		return ErrTaskNotFound
	case errors.Is(err, store.ErrTransitionConflict):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	default:
		return NewServiceError("task", op, err)
	}
}
