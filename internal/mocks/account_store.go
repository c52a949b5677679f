package mocks

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// MockAccountStore is an in-memory store.AccountStore. Claim is atomic
// under the store mutex, which mirrors the conditional UPDATE in PostgreSQL.
type MockAccountStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account

	FindEligibleError error
	MarkBlockedError  error
	TouchError        error

	// FindEligibleCalls counts FindEligible invocations.
	FindEligibleCalls int
}

// NewMockAccountStore creates an empty store.
func NewMockAccountStore() *MockAccountStore {
	return &MockAccountStore{accounts: make(map[uuid.UUID]*domain.Account)}
}

var _ store.AccountStore = (*MockAccountStore)(nil)

func cloneAccount(a *domain.Account) *domain.Account {
	c := *a
	return &c
}

// Put stores a copy of a, bypassing validation.
func (m *MockAccountStore) Put(a *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = cloneAccount(a)
}

// Get returns a copy of the stored account, or nil.
func (m *MockAccountStore) Get(id uuid.UUID) *domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil
	}
	return cloneAccount(a)
}

// Create implements store.AccountStore.
func (m *MockAccountStore) Create(ctx context.Context, a *domain.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.DisplayName == a.DisplayName {
			return store.ErrDisplayNameExists
		}
	}
	m.accounts[a.ID] = cloneAccount(a)
	return nil
}

// GetByID implements store.AccountStore.
func (m *MockAccountStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if a := m.Get(id); a != nil {
		return a, nil
	}
	return nil, store.ErrAccountNotFound
}

// FindEligible implements store.AccountStore.
func (m *MockAccountStore) FindEligible(ctx context.Context, region string, now time.Time, limit int) ([]*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FindEligibleCalls++
	if m.FindEligibleError != nil {
		return nil, m.FindEligibleError
	}

	var out []*domain.Account
	for _, a := range m.accounts {
		if a.Claimable(region, uuid.Nil, now) {
			out = append(out, cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastUsed, out[j].LastUsed
		switch {
		case li == nil && lj != nil:
			return true
		case li != nil && lj == nil:
			return false
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.Before(*lj)
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim implements store.AccountStore.
func (m *MockAccountStore) Claim(ctx context.Context, accountID, taskID uuid.UUID, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok || !a.Claimable(a.Region, taskID, now) {
		return false, nil
	}
	claimedBy := taskID
	a.ClaimedBy = &claimedBy
	a.ClaimedUntil = &until
	return true, nil
}

// Release implements store.AccountStore.
func (m *MockAccountStore) Release(ctx context.Context, accountID, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if ok && a.ClaimedBy != nil && *a.ClaimedBy == taskID {
		a.ClaimedBy = nil
		a.ClaimedUntil = nil
	}
	return nil
}

// Touch implements store.AccountStore.
func (m *MockAccountStore) Touch(ctx context.Context, accountID uuid.UUID, usedAt time.Time) error {
	if m.TouchError != nil {
		return m.TouchError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.LastUsed = &usedAt
	return nil
}

// MarkBlocked implements store.AccountStore.
func (m *MockAccountStore) MarkBlocked(ctx context.Context, accountID uuid.UUID) error {
	if m.MarkBlockedError != nil {
		return m.MarkBlockedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.Blocked = true
	return nil
}

// ReleaseExpiredClaims implements store.AccountStore.
func (m *MockAccountStore) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.accounts {
		if a.ClaimedUntil != nil && !a.ClaimedUntil.After(now) {
			a.ClaimedBy = nil
			a.ClaimedUntil = nil
			n++
		}
	}
	return n, nil
}

// WithTx returns the same store; the mock has no transactions.
func (m *MockAccountStore) WithTx(tx *sql.Tx) store.AccountStore {
	return m
}
