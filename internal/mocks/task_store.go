package mocks

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// MockTaskStore is an in-memory store.TaskStore with the same guarded
// transition semantics as the PostgreSQL implementation. Error fields make
// individual methods fail; History records every status a task took.
type MockTaskStore struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*domain.Task
	history map[uuid.UUID][]domain.TaskStatus
	// progress keeps every comments_posted value written, in order.
	progress map[uuid.UUID][]int

	GetByIDError        error
	MarkProcessingError error
	UpdateProgressError error
	MarkCompletedError  error
	MarkFailedError     error

	// GetByIDFn overrides GetByID when set.
	GetByIDFn func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

// NewMockTaskStore creates an empty store.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks:    make(map[uuid.UUID]*domain.Task),
		history:  make(map[uuid.UUID][]domain.TaskStatus),
		progress: make(map[uuid.UUID][]int),
	}
}

var _ store.TaskStore = (*MockTaskStore)(nil)

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Comments = append([]string(nil), t.Comments...)
	c.PostTargets = append([]string(nil), t.PostTargets...)
	return &c
}

// Put stores t as-is, bypassing validation. Useful to seed any status.
func (m *MockTaskStore) Put(t *domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = cloneTask(t)
	m.history[t.ID] = append(m.history[t.ID], t.Status)
}

// History returns the statuses a task went through, starting with the seeded one.
func (m *MockTaskStore) History(id uuid.UUID) []domain.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TaskStatus(nil), m.history[id]...)
}

// Progress returns every comments_posted value written for a task.
func (m *MockTaskStore) Progress(id uuid.UUID) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progress[id]...)
}

// Create implements store.TaskStore.
func (m *MockTaskStore) Create(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status != domain.TaskStatusPendingApproval {
		return fmt.Errorf("%w: new tasks must be %s", store.ErrInvalidEntity, domain.TaskStatusPendingApproval)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return store.ErrDuplicate
	}
	m.tasks[t.ID] = cloneTask(t)
	m.history[t.ID] = []domain.TaskStatus{t.Status}
	return nil
}

// GetByID implements store.TaskStore.
func (m *MockTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	if m.GetByIDError != nil {
		return nil, m.GetByIDError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// transition applies a guarded status change under the lock.
func (m *MockTaskStore) transition(id uuid.UUID, from, to domain.TaskStatus, apply func(t *domain.Task)) (*domain.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if t.Status != from {
		return nil, fmt.Errorf("%w: task is %s, want %s", store.ErrTransitionConflict, t.Status, from)
	}
	if err := t.TransitionTo(to, time.Now().UTC()); err != nil {
		return nil, err
	}
	if apply != nil {
		apply(t)
	}
	m.history[id] = append(m.history[id], to)
	return cloneTask(t), nil
}

// Approve implements store.TaskStore.
func (m *MockTaskStore) Approve(ctx context.Context, id uuid.UUID, notes string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, domain.TaskStatusPendingApproval, domain.TaskStatusApproved, func(t *domain.Task) {
		t.AdminNotes = notes
	})
}

// Reject implements store.TaskStore.
func (m *MockTaskStore) Reject(ctx context.Context, id uuid.UUID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.transition(id, domain.TaskStatusPendingApproval, domain.TaskStatusRejected, func(t *domain.Task) {
		t.AdminNotes = notes
	})
	return err
}

// Withdraw implements store.TaskStore.
func (m *MockTaskStore) Withdraw(ctx context.Context, id, ownerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return store.ErrTaskNotFound
	}
	if !t.Status.Withdrawable() {
		return fmt.Errorf("%w: task is %s", store.ErrTransitionConflict, t.Status)
	}
	delete(m.tasks, id)
	return nil
}

// MarkProcessing implements store.TaskStore.
func (m *MockTaskStore) MarkProcessing(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.MarkProcessingError != nil {
		return nil, m.MarkProcessingError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, domain.TaskStatusApproved, domain.TaskStatusProcessing, nil)
}

// UpdateProgress implements store.TaskStore.
func (m *MockTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, commentsPosted int) error {
	if m.UpdateProgressError != nil {
		return m.UpdateProgressError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusProcessing {
		return fmt.Errorf("%w: task is %s", store.ErrTransitionConflict, t.Status)
	}
	if commentsPosted > t.CommentsPosted {
		t.CommentsPosted = commentsPosted
	}
	m.progress[id] = append(m.progress[id], t.CommentsPosted)
	return nil
}

// MarkCompleted implements store.TaskStore.
func (m *MockTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID, commentsPosted int, accountID uuid.UUID) error {
	if m.MarkCompletedError != nil {
		return m.MarkCompletedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.transition(id, domain.TaskStatusProcessing, domain.TaskStatusCompleted, func(t *domain.Task) {
		if commentsPosted > t.CommentsPosted {
			t.CommentsPosted = commentsPosted
		}
		t.AccountID = &accountID
	})
	return err
}

// MarkFailed implements store.TaskStore.
func (m *MockTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, commentsPosted int, accountID *uuid.UUID) error {
	if m.MarkFailedError != nil {
		return m.MarkFailedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.transition(id, domain.TaskStatusProcessing, domain.TaskStatusFailed, func(t *domain.Task) {
		t.ErrorMessage = errorMsg
		if commentsPosted > t.CommentsPosted {
			t.CommentsPosted = commentsPosted
		}
		if accountID != nil {
			t.AccountID = accountID
		}
	})
	return err
}

// FindStaleProcessing implements store.TaskStore.
func (m *MockTaskStore) FindStaleProcessing(ctx context.Context, startedBefore time.Time) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.TaskStatusProcessing && t.StartedAt != nil && t.StartedAt.Before(startedBefore) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

// WithTx returns the same store; the mock has no transactions.
func (m *MockTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return m
}
