// Package automation defines the contract of the browser automation client
// that performs the actual page interaction, and an HTTP client for the
// automation sidecar that implements it.
package automation

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNavigationFailed is returned when a post reference cannot be opened.
	ErrNavigationFailed = errors.New("navigation failed")

	// ErrCommentRejected is returned when the client could not post a comment.
	ErrCommentRejected = errors.New("comment rejected")

	// ErrSessionUnavailable is returned when no session could be opened.
	ErrSessionUnavailable = errors.New("automation session unavailable")
)

// Credentials are the decrypted account secrets a session is opened with.
// They exist only in memory for the duration of one execution.
type Credentials struct {
	AccountID uuid.UUID
	Session   map[string]any
	Token     string
	Egress    map[string]any
}

// Session is one live automation session bound to an account. Each call may
// fail independently and calls are safe to make in sequence. Close must be
// called exactly once, on every exit path.
type Session interface {
	// Navigate opens the post identified by postRef.
	Navigate(ctx context.Context, postRef string) error

	// DetectBlock reports whether the platform has restricted the account.
	DetectBlock(ctx context.Context) (bool, error)

	// PostComment posts text on the currently open post.
	PostComment(ctx context.Context, text string) error

	// Close releases every resource the session holds.
	Close(ctx context.Context) error
}

// Launcher opens sessions.
type Launcher interface {
	Open(ctx context.Context, creds Credentials) (Session, error)
}
