// Package account selects and leases automation accounts for tasks.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

// ErrNoEligibleAccount is returned when no active, unblocked account in the
// requested region could be leased.
var ErrNoEligibleAccount = errors.New("no eligible account")

// candidateBatch bounds how many candidates one selection reads.
const candidateBatch = 10

// Selector picks an eligible account for a task and takes a lease on it.
// It keeps no cache: every call reads the store, so an account blocked a
// moment ago is never handed out again.
type Selector struct {
	accounts store.AccountStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewSelector creates a Selector over the given store.
func NewSelector(accounts store.AccountStore, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		accounts: accounts,
		logger:   logger.With("component", "account_selector"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Select returns an account matching region that is active and not blocked,
// leased to taskID for the given duration. Candidates are tried least
// recently used first; a candidate another worker claimed in the meantime is
// skipped. The caller must Release the lease when done.
func (s *Selector) Select(ctx context.Context, region string, taskID uuid.UUID, lease time.Duration) (*domain.Account, error) {
	region = domain.NormalizeRegion(region)
	if region == "" {
		return nil, domain.ErrEmptyRegion
	}
	if taskID == uuid.Nil {
		return nil, domain.ErrEmptyAccountOwner
	}

	now := s.now()
	candidates, err := s.accounts.FindEligible(ctx, region, now, candidateBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible accounts: %w", err)
	}

	for _, candidate := range candidates {
		if !candidate.Claimable(region, taskID, now) {
			continue
		}
		ok, err := s.accounts.Claim(ctx, candidate.ID, taskID, now, now.Add(lease))
		if err != nil {
			return nil, fmt.Errorf("failed to claim account %s: %w", candidate.ID, err)
		}
		if !ok {
			s.logger.Debug("account claimed concurrently, trying next",
				"account_id", candidate.ID,
				"task_id", taskID)
			continue
		}

		until := now.Add(lease)
		claimedBy := taskID
		candidate.ClaimedBy = &claimedBy
		candidate.ClaimedUntil = &until
		s.logger.Info("account selected",
			"account_id", candidate.ID,
			"region", region,
			"task_id", taskID)
		return candidate, nil
	}

	return nil, fmt.Errorf("%w for region %s", ErrNoEligibleAccount, region)
}

// Release drops the lease taskID holds on accountID. It uses a context that
// survives cancellation of ctx so a lease is returned even after a timeout.
func (s *Selector) Release(ctx context.Context, accountID, taskID uuid.UUID) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.accounts.Release(releaseCtx, accountID, taskID); err != nil {
		return fmt.Errorf("failed to release account %s: %w", accountID, err)
	}
	return nil
}
