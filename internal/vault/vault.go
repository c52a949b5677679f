package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
)

// formatV1 prefixes every sealed payload so the format can evolve.
const formatV1 byte = 1

// Vault seals and opens account secrets.
type Vault struct {
	aead      cipher.AEAD
	ephemeral bool
}

// GenerateKey returns a fresh base64url-encoded key suitable for New.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// New builds a Vault from a base64url-encoded 32-byte key. When encodedKey
// is empty an ephemeral key is generated and a warning is logged: data
// sealed with it cannot be opened after the process exits.
func New(encodedKey string, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ephemeral := false
	if encodedKey == "" {
		generated, err := GenerateKey()
		if err != nil {
			return nil, &CredentialError{Op: "init", Err: err}
		}
		encodedKey = generated
		ephemeral = true
		logger.Warn("no encryption key configured, using an ephemeral key; secrets encrypted now will be unreadable after restart",
			"component", "vault",
			"env_var", "COMMENTFLOW_VAULT_ENCRYPTION_KEY")
	}

	key, err := base64.URLEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, &CredentialError{Op: "init", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, &CredentialError{
			Op:  "init",
			Err: fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key)),
		}
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &CredentialError{Op: "init", Err: fmt.Errorf("%w: %v", ErrInvalidKey, err)}
	}

	return &Vault{aead: aead, ephemeral: ephemeral}, nil
}

// Ephemeral reports whether the vault runs on a generated, non-persistent key.
func (v *Vault) Ephemeral() bool {
	return v.ephemeral
}

// Encrypt serializes payload to canonical JSON and seals it.
func (v *Vault) Encrypt(payload map[string]any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", &CredentialError{Op: "encrypt", Err: err}
	}
	return v.seal(plaintext)
}

// Decrypt opens ciphertext produced by Encrypt. Tampered or foreign
// ciphertext yields a CredentialError, never partial data.
func (v *Vault) Decrypt(ciphertext string) (map[string]any, error) {
	plaintext, err := v.open(ciphertext)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, &CredentialError{Op: "decrypt", Err: err}
	}
	return payload, nil
}

// EncryptString seals a bare string secret such as a token.
func (v *Vault) EncryptString(secret string) (string, error) {
	return v.seal([]byte(secret))
}

// DecryptString opens ciphertext produced by EncryptString.
func (v *Vault) DecryptString(ciphertext string) (string, error) {
	plaintext, err := v.open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &CredentialError{Op: "encrypt", Err: err}
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, formatV1)
	out = append(out, nonce...)
	out = v.aead.Seal(out, nonce, plaintext, []byte{formatV1})

	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (v *Vault) open(ciphertext string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, &CredentialError{Op: "decrypt", Err: fmt.Errorf("%w: %v", ErrMalformedCipher, err)}
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < 1+nonceSize+v.aead.Overhead() {
		return nil, &CredentialError{Op: "decrypt", Err: fmt.Errorf("%w: too short", ErrMalformedCipher)}
	}
	if raw[0] != formatV1 {
		return nil, &CredentialError{Op: "decrypt", Err: fmt.Errorf("%w: %d", ErrUnsupportedFormat, raw[0])}
	}

	nonce := raw[1 : 1+nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, raw[1+nonceSize:], raw[:1])
	if err != nil {
		return nil, &CredentialError{Op: "decrypt", Err: ErrAuthentication}
	}
	return plaintext, nil
}
