package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Validation errors for Account.
var (
	ErrEmptyAccountID    = errors.New("account ID cannot be empty")
	ErrEmptyDisplayName  = errors.New("account display name cannot be empty")
	ErrEmptySessionData  = errors.New("account session data cannot be empty")
	ErrEmptyAccountOwner = errors.New("claim owner cannot be empty")
)

// Account is a credential-bearing identity scoped to one region.
// Every secret field holds vault ciphertext; plaintext never lives here.
type Account struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Region      string    `json:"region"`

	// SessionData is the encrypted session blob.
	SessionData string `json:"-"`
	// AuxToken is the optional encrypted auxiliary token.
	AuxToken *string `json:"-"`
	// EgressConfig is the optional encrypted network-egress configuration.
	EgressConfig *string `json:"-"`

	Active   bool       `json:"active"`
	Blocked  bool       `json:"blocked"`
	LastUsed *time.Time `json:"last_used,omitempty"`
	Notes    string     `json:"notes,omitempty"`

	// ClaimedBy and ClaimedUntil form the execution lease.
	ClaimedBy    *uuid.UUID `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the account's static invariants.
func (a *Account) Validate() error {
	if a.ID == uuid.Nil {
		return ErrEmptyAccountID
	}
	if a.DisplayName == "" {
		return ErrEmptyDisplayName
	}
	if a.Region == "" {
		return ErrEmptyRegion
	}
	if a.SessionData == "" {
		return ErrEmptySessionData
	}
	return nil
}

// Eligible reports whether the account may serve a task for region.
func (a *Account) Eligible(region string) bool {
	return a.Active && !a.Blocked && a.Region == NormalizeRegion(region)
}

// Claimable reports whether taskID may take the lease at now: the account
// must be eligible and either unclaimed, expired, or already held by taskID.
func (a *Account) Claimable(region string, taskID uuid.UUID, now time.Time) bool {
	if !a.Eligible(region) {
		return false
	}
	if a.ClaimedUntil == nil || !a.ClaimedUntil.After(now) {
		return true
	}
	return a.ClaimedBy != nil && *a.ClaimedBy == taskID
}
