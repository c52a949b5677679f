package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/google/uuid"
)

// AccountStore defines the interface for automation account persistence.
type AccountStore interface {
	// Create saves a new account. Secret fields must already be ciphertext.
	// Returns ErrDisplayNameExists when the display name is taken.
	Create(ctx context.Context, account *domain.Account) error

	// GetByID retrieves an account by its unique ID.
	// Returns ErrAccountNotFound if the account does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// FindEligible lists active, unblocked accounts in region whose lease is
	// free or expired at now, least recently used first.
	FindEligible(ctx context.Context, region string, now time.Time, limit int) ([]*domain.Account, error)

	// Claim takes the lease on an account for taskID until the given time.
	// It is a conditional update re-checking eligibility and the lease, and
	// reports false when another task won the account first.
	Claim(ctx context.Context, accountID, taskID uuid.UUID, now, until time.Time) (bool, error)

	// Release drops the lease if taskID still holds it.
	Release(ctx context.Context, accountID, taskID uuid.UUID) error

	// Touch sets last_used.
	Touch(ctx context.Context, accountID uuid.UUID, usedAt time.Time) error

	// MarkBlocked sets the blocked flag. Nothing in the system clears it.
	MarkBlocked(ctx context.Context, accountID uuid.UUID) error

	// ReleaseExpiredClaims clears leases that ended before now and returns how many.
	ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error)

	// WithTx returns a new AccountStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) AccountStore
}
