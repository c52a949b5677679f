package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/platform/logger"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

const taskColumns = `id, owner_id, region, comments, post_targets, status, admin_notes,
	error_message, comments_posted, account_id, created_at, approved_at, started_at, completed_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t           domain.Task
		comments    []byte
		postTargets []byte
		status      string
		accountID   uuid.NullUUID
		approvedAt  sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Region, &comments, &postTargets, &status, &t.AdminNotes,
		&t.ErrorMessage, &t.CommentsPosted, &accountID, &t.CreatedAt, &approvedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(comments, &t.Comments); err != nil {
		return nil, fmt.Errorf("failed to decode comments: %w", err)
	}
	if err := json.Unmarshal(postTargets, &t.PostTargets); err != nil {
		return nil, fmt.Errorf("failed to decode post targets: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	if accountID.Valid {
		id := accountID.UUID
		t.AccountID = &id
	}
	t.ApprovedAt = nullTimePtr(approvedAt)
	t.StartedAt = nullTimePtr(startedAt)
	t.CompletedAt = nullTimePtr(completedAt)
	return &t, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Create implements store.TaskStore.Create
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return err
	}
	if task.Status != domain.TaskStatusPendingApproval {
		return fmt.Errorf("%w: new tasks must be %s", store.ErrInvalidEntity, domain.TaskStatusPendingApproval)
	}

	comments, err := json.Marshal(task.Comments)
	if err != nil {
		return fmt.Errorf("failed to encode comments: %w", err)
	}
	postTargets, err := json.Marshal(task.PostTargets)
	if err != nil {
		return fmt.Errorf("failed to encode post targets: %w", err)
	}

	query := `
		INSERT INTO automation_tasks (id, owner_id, region, comments, post_targets, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.OwnerID, task.Region, string(comments), string(postTargets), task.Status, task.CreatedAt)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return MapError(err)
	}

	log.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("region", task.Region),
		slog.Int("post_targets", len(task.PostTargets)))
	return nil
}

// GetByID implements store.TaskStore.GetByID
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskColumns + ` FROM automation_tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task by ID",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}
	return task, nil
}

// transition runs a guarded UPDATE that only applies while the task is in
// from. set is the SET clause body; its placeholders start at $3.
func (s *PostgresTaskStore) transition(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.TaskStatus,
	set string,
	args ...any,
) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	query := `UPDATE automation_tasks SET status = '` + string(to) + `', ` + set + `
		WHERE id = $1 AND status = $2
		RETURNING ` + taskColumns
	params := append([]any{id, from}, args...)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, params...))
	if err == nil {
		log.Info("task status changed",
			slog.String("task_id", id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to change task status",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("to", string(to)))
		return nil, MapError(err)
	}

	// Nothing matched: the task is gone or in another status.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM automation_tasks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	log.Warn("task status transition conflict",
		slog.String("task_id", id.String()),
		slog.String("current", current),
		slog.String("expected", string(from)),
		slog.String("to", string(to)))
	return nil, fmt.Errorf("%w: task is %s, want %s", store.ErrTransitionConflict, current, from)
}

// Approve implements store.TaskStore.Approve
func (s *PostgresTaskStore) Approve(ctx context.Context, id uuid.UUID, notes string) (*domain.Task, error) {
	return s.transition(ctx, id, domain.TaskStatusPendingApproval, domain.TaskStatusApproved,
		`approved_at = $3, admin_notes = $4`, s.now(), notes)
}

// Reject implements store.TaskStore.Reject
func (s *PostgresTaskStore) Reject(ctx context.Context, id uuid.UUID, notes string) error {
	_, err := s.transition(ctx, id, domain.TaskStatusPendingApproval, domain.TaskStatusRejected,
		`admin_notes = $3`, notes)
	return err
}

// Withdraw implements store.TaskStore.Withdraw
func (s *PostgresTaskStore) Withdraw(ctx context.Context, id, ownerID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_tasks
		WHERE id = $1 AND owner_id = $2 AND status IN ('pending_approval', 'approved')
	`, id, ownerID)
	if err != nil {
		log.Error("failed to withdraw task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapError(err)
	}
	if err := CheckRowsAffected(result, store.ErrTaskNotFound); err == nil {
		log.Info("task withdrawn", slog.String("task_id", id.String()))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM automation_tasks WHERE id = $1 AND owner_id = $2`, id, ownerID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return MapError(err)
	}
	return fmt.Errorf("%w: task is %s", store.ErrTransitionConflict, current)
}

// MarkProcessing implements store.TaskStore.MarkProcessing
func (s *PostgresTaskStore) MarkProcessing(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.transition(ctx, id, domain.TaskStatusApproved, domain.TaskStatusProcessing,
		`started_at = $3, comments_posted = 0`, s.now())
}

// UpdateProgress implements store.TaskStore.UpdateProgress
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, commentsPosted int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_tasks
		SET comments_posted = GREATEST(comments_posted, $2)
		WHERE id = $1 AND status = 'processing'
	`, id, commentsPosted)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, store.ErrTransitionConflict); err != nil {
		return fmt.Errorf("progress update for task %s: %w", id, err)
	}
	return nil
}

// MarkCompleted implements store.TaskStore.MarkCompleted
func (s *PostgresTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID, commentsPosted int, accountID uuid.UUID) error {
	_, err := s.transition(ctx, id, domain.TaskStatusProcessing, domain.TaskStatusCompleted,
		`completed_at = $3, comments_posted = GREATEST(comments_posted, $4), account_id = $5`,
		s.now(), commentsPosted, accountID)
	return err
}

// MarkFailed implements store.TaskStore.MarkFailed
func (s *PostgresTaskStore) MarkFailed(
	ctx context.Context,
	id uuid.UUID,
	errorMsg string,
	commentsPosted int,
	accountID *uuid.UUID,
) error {
	_, err := s.transition(ctx, id, domain.TaskStatusProcessing, domain.TaskStatusFailed,
		`completed_at = $3, error_message = $4, comments_posted = GREATEST(comments_posted, $5),
		account_id = COALESCE($6, account_id)`,
		s.now(), errorMsg, commentsPosted, uuid.NullUUID{UUID: derefUUID(accountID), Valid: accountID != nil})
	return err
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// FindStaleProcessing implements store.TaskStore.FindStaleProcessing
func (s *PostgresTaskStore) FindStaleProcessing(ctx context.Context, startedBefore time.Time) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskColumns + `
		FROM automation_tasks
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, query, startedBefore)
	if err != nil {
		log.Error("failed to query stale tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:     tx,
		logger: s.logger,
		now:    s.now,
	}
}
