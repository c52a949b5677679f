// Package vault encrypts account secrets at rest. Payloads are serialized to
// canonical JSON (object keys sorted) and sealed with XChaCha20-Poly1305
// under a single process-wide key. Ciphertext travels as one base64url
// string per secret field.
package vault
