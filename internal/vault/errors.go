package vault

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by CredentialError.
var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrMalformedCipher   = errors.New("malformed ciphertext")
	ErrAuthentication    = errors.New("ciphertext failed authentication")
	ErrUnsupportedFormat = errors.New("unsupported ciphertext version")
)

// CredentialError reports a failure to encrypt or decrypt a secret. It is
// never transient: callers treat it as fatal for the operation in progress.
type CredentialError struct {
	Op  string // "encrypt" or "decrypt"
	Err error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CredentialError) Unwrap() error {
	return e.Err
}

// IsCredentialError reports whether err is or wraps a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}
