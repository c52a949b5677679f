package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// PostgresExecutionLogStore implements store.ExecutionLogStore. The table
// carries a trigger rejecting UPDATE and DELETE.
type PostgresExecutionLogStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresExecutionLogStore creates a new PostgresExecutionLogStore.
func NewPostgresExecutionLogStore(db store.DBTX, logger *slog.Logger) *PostgresExecutionLogStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresExecutionLogStore{
		db:     db,
		logger: logger.With(slog.String("component", "execution_log_store")),
	}
}

var _ store.ExecutionLogStore = (*PostgresExecutionLogStore)(nil)

// Append implements store.ExecutionLogStore.Append
func (s *PostgresExecutionLogStore) Append(ctx context.Context, entry *domain.ExecutionLogEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	var detail any
	if len(entry.Detail) > 0 {
		raw, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode log detail: %w", err)
		}
		detail = string(raw)
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO execution_logs (task_id, step, outcome, message, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, entry.TaskID, entry.Step, entry.Outcome, entry.Message, detail, entry.Timestamp).Scan(&entry.ID)
	if err != nil {
		s.logger.Error("failed to append execution log entry",
			slog.String("error", err.Error()),
			slog.String("task_id", entry.TaskID.String()),
			slog.String("step", entry.Step))
		return MapError(err)
	}
	return nil
}

// ListByTask implements store.ExecutionLogStore.ListByTask
func (s *PostgresExecutionLogStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step, outcome, message, detail, timestamp
		FROM execution_logs
		WHERE task_id = $1
		ORDER BY timestamp, id
	`, taskID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*domain.ExecutionLogEntry
	for rows.Next() {
		var (
			e       domain.ExecutionLogEntry
			outcome string
			detail  []byte
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Step, &outcome, &e.Message, &detail, &e.Timestamp); err != nil {
			return nil, MapError(err)
		}
		e.Outcome = domain.LogOutcome(outcome)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode log detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return entries, nil
}
