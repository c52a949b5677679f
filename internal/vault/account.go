package vault

import (
	"github.com/Mr-anatolievich/CommentFlow-new/internal/domain"
)

// AccountSecrets is the plaintext form of an account's secret fields. It
// exists only in memory for the duration of one execution.
type AccountSecrets struct {
	Session map[string]any
	Token   string
	Egress  map[string]any
}

// SealAccount encrypts secrets into the account's ciphertext fields.
// Empty optional secrets leave the matching field nil.
func (v *Vault) SealAccount(a *domain.Account, secrets AccountSecrets) error {
	session, err := v.Encrypt(secrets.Session)
	if err != nil {
		return err
	}
	a.SessionData = session
	a.AuxToken = nil
	a.EgressConfig = nil

	if secrets.Token != "" {
		token, err := v.EncryptString(secrets.Token)
		if err != nil {
			return err
		}
		a.AuxToken = &token
	}

	if len(secrets.Egress) > 0 {
		egress, err := v.Encrypt(secrets.Egress)
		if err != nil {
			return err
		}
		a.EgressConfig = &egress
	}

	return nil
}

// OpenAccount decrypts every secret field of a. Any failure is a CredentialError.
func (v *Vault) OpenAccount(a *domain.Account) (*AccountSecrets, error) {
	session, err := v.Decrypt(a.SessionData)
	if err != nil {
		return nil, err
	}
	secrets := &AccountSecrets{Session: session}

	if a.AuxToken != nil {
		if secrets.Token, err = v.DecryptString(*a.AuxToken); err != nil {
			return nil, err
		}
	}

	if a.EgressConfig != nil {
		if secrets.Egress, err = v.Decrypt(*a.EgressConfig); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}
