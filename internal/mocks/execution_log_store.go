package mocks

import (
	"context"
	"sync"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// MockExecutionLogStore is an in-memory store.ExecutionLogStore.
type MockExecutionLogStore struct {
	mu      sync.Mutex
	entries []*domain.ExecutionLogEntry
	nextID  int64

	// AppendError makes every Append fail.
	AppendError error
}

// NewMockExecutionLogStore creates an empty store.
func NewMockExecutionLogStore() *MockExecutionLogStore {
	return &MockExecutionLogStore{}
}

var _ store.ExecutionLogStore = (*MockExecutionLogStore)(nil)

// Append implements store.ExecutionLogStore.
func (m *MockExecutionLogStore) Append(ctx context.Context, entry *domain.ExecutionLogEntry) error {
	if m.AppendError != nil {
		return m.AppendError
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	c := *entry
	m.entries = append(m.entries, &c)
	return nil
}

// ListByTask implements store.ExecutionLogStore.
func (m *MockExecutionLogStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ExecutionLogEntry
	for _, e := range m.entries {
		if e.TaskID == taskID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Count returns how many entries of taskID match step and outcome.
// An empty outcome matches any outcome.
func (m *MockExecutionLogStore) Count(taskID uuid.UUID, step string, outcome domain.LogOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.TaskID == taskID && e.Step == step && (outcome == "" || e.Outcome == outcome) {
			n++
		}
	}
	return n
}
