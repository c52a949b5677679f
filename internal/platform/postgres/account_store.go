package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/platform/logger"
	"github.com/Mr-anatolievich/CommentFlow-new/internal/store"
	"github.com/google/uuid"
)

const accountColumns = `id, display_name, region, session_data, aux_token, egress_config,
	active, blocked, last_used, notes, claimed_by, claimed_until, created_at`

// PostgresAccountStore implements the store.AccountStore interface
// using a PostgreSQL database as the storage backend.
type PostgresAccountStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresAccountStore creates a new PostgreSQL implementation of the AccountStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresAccountStore(db store.DBTX, logger *slog.Logger) *PostgresAccountStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresAccountStore{
		db:     db,
		logger: logger.With(slog.String("component", "account_store")),
	}
}

// Ensure PostgresAccountStore implements store.AccountStore interface
var _ store.AccountStore = (*PostgresAccountStore)(nil)

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a            domain.Account
		auxToken     sql.NullString
		egressConfig sql.NullString
		lastUsed     sql.NullTime
		claimedBy    uuid.NullUUID
		claimedUntil sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.DisplayName, &a.Region, &a.SessionData, &auxToken, &egressConfig,
		&a.Active, &a.Blocked, &lastUsed, &a.Notes, &claimedBy, &claimedUntil, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if auxToken.Valid {
		a.AuxToken = &auxToken.String
	}
	if egressConfig.Valid {
		a.EgressConfig = &egressConfig.String
	}
	if claimedBy.Valid {
		id := claimedBy.UUID
		a.ClaimedBy = &id
	}
	a.LastUsed = nullTimePtr(lastUsed)
	a.ClaimedUntil = nullTimePtr(claimedUntil)
	return &a, nil
}

// Create implements store.AccountStore.Create
func (s *PostgresAccountStore) Create(ctx context.Context, account *domain.Account) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := account.Validate(); err != nil {
		log.Warn("account validation failed during create",
			slog.String("error", err.Error()),
			slog.String("account_id", account.ID.String()))
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_accounts
			(id, display_name, region, session_data, aux_token, egress_config, active, blocked, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		account.ID, account.DisplayName, domain.NormalizeRegion(account.Region), account.SessionData,
		account.AuxToken, account.EgressConfig, account.Active, account.Blocked, account.Notes, account.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			log.Warn("account display name already taken",
				slog.String("account_id", account.ID.String()))
			return store.ErrDisplayNameExists
		}
		log.Error("failed to create account",
			slog.String("error", err.Error()),
			slog.String("account_id", account.ID.String()))
		return MapError(err)
	}

	log.Info("account created",
		slog.String("account_id", account.ID.String()),
		slog.String("region", account.Region))
	return nil
}

// GetByID implements store.AccountStore.GetByID
func (s *PostgresAccountStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM automation_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrAccountNotFound
		}
		return nil, MapError(err)
	}
	return account, nil
}

// FindEligible implements store.AccountStore.FindEligible
// The region, active and blocked predicates are all required.
func (s *PostgresAccountStore) FindEligible(
	ctx context.Context,
	region string,
	now time.Time,
	limit int,
) ([]*domain.Account, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM automation_accounts
		WHERE region = $1
		  AND active = TRUE
		  AND blocked = FALSE
		  AND (claimed_until IS NULL OR claimed_until <= $2)
		ORDER BY last_used ASC NULLS FIRST, id
		LIMIT $3
	`, domain.NormalizeRegion(region), now, limit)
	if err != nil {
		log.Error("failed to query eligible accounts",
			slog.String("error", err.Error()),
			slog.String("region", region))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, MapError(err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return accounts, nil
}

// Claim implements store.AccountStore.Claim
// The WHERE clause re-checks eligibility so a concurrent claim or block
// between FindEligible and Claim makes this a no-op.
func (s *PostgresAccountStore) Claim(ctx context.Context, accountID, taskID uuid.UUID, now, until time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_accounts
		SET claimed_by = $2, claimed_until = $4
		WHERE id = $1
		  AND active = TRUE
		  AND blocked = FALSE
		  AND (claimed_until IS NULL OR claimed_until <= $3 OR claimed_by = $2)
	`, accountID, taskID, now, until)
	if err != nil {
		return false, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release implements store.AccountStore.Release
func (s *PostgresAccountStore) Release(ctx context.Context, accountID, taskID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_accounts
		SET claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2
	`, accountID, taskID)
	return MapError(err)
}

// Touch implements store.AccountStore.Touch
func (s *PostgresAccountStore) Touch(ctx context.Context, accountID uuid.UUID, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE automation_accounts SET last_used = $2 WHERE id = $1`, accountID, usedAt)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrAccountNotFound)
}

// MarkBlocked implements store.AccountStore.MarkBlocked
func (s *PostgresAccountStore) MarkBlocked(ctx context.Context, accountID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx,
		`UPDATE automation_accounts SET blocked = TRUE WHERE id = $1`, accountID)
	if err != nil {
		log.Error("failed to mark account blocked",
			slog.String("error", err.Error()),
			slog.String("account_id", accountID.String()))
		return MapError(err)
	}
	if err := CheckRowsAffected(result, store.ErrAccountNotFound); err != nil {
		return err
	}
	log.Warn("account marked blocked", slog.String("account_id", accountID.String()))
	return nil
}

// ReleaseExpiredClaims implements store.AccountStore.ReleaseExpiredClaims
func (s *PostgresAccountStore) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_accounts
		SET claimed_by = NULL, claimed_until = NULL
		WHERE claimed_until IS NOT NULL AND claimed_until <= $1
	`, now)
	if err != nil {
		return 0, MapError(err)
	}
	return result.RowsAffected()
}

// WithTx implements store.AccountStore.WithTx
func (s *PostgresAccountStore) WithTx(tx *sql.Tx) store.AccountStore {
	return &PostgresAccountStore{db: tx, logger: s.logger}
}
