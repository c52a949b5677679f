package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/queue"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/vault"
	"github.com/google/uuid"
)

// AccountRegistration is the input for a new automation account.
type AccountRegistration struct {
	DisplayName string
	Region      string
	Secrets     vault.AccountSecrets
	Notes       string
}

// AccountService registers automation accounts.
type AccountService struct {
	accounts store.AccountStore
	vault    *vault.Vault
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(accounts store.AccountStore, v *vault.Vault, enqueuer Enqueuer, logger *slog.Logger) (*AccountService, error) {
	if accounts == nil || v == nil || enqueuer == nil {
		return nil, NewServiceError("account", "create_service", errors.New("accounts, vault and enqueuer are required"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{
		accounts: accounts,
		vault:    v,
		enqueuer: enqueuer,
		logger:   logger.With("component", "account_service"),
	}, nil
}

// Register seals the secrets, stores the account as active and queues a
// verification on the setup lane. A failed enqueue is logged; the account
// stays registered and is verified on first use instead.
func (s *AccountService) Register(ctx context.Context, reg AccountRegistration) (*domain.Account, error) {
	a := &domain.Account{
		ID:          uuid.New(),
		DisplayName: strings.TrimSpace(reg.DisplayName),
		Region:      domain.NormalizeRegion(reg.Region),
		Active:      true,
		Notes:       reg.Notes,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.vault.SealAccount(a, reg.Secrets); err != nil {
		return nil, NewServiceError("account", "register", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	if err := s.accounts.Create(ctx, a); err != nil {
		if store.IsDuplicateError(err) {
			return nil, ErrDisplayNameTaken
		}
		s.logger.Error("failed to create account", "error", err, "display_name", a.DisplayName)
		return nil, NewServiceError("account", "register", err)
	}

	if _, err := s.enqueuer.Enqueue(ctx, queue.Message{
		TaskID:      a.ID.String(),
		Lane:        queue.LaneSetup,
		Priority:    queue.DefaultPriority,
		RetryPolicy: queue.DefaultRetryPolicy(),
	}); err != nil {
		s.logger.Warn("failed to enqueue account verification", "error", err, "account_id", a.ID)
	}

	s.logger.Info("account registered", "account_id", a.ID, "region", a.Region)
	return a, nil
}
