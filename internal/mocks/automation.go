package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/automation"
)

// MockLauncher is a scripted automation.Launcher. Every session it opens
// shares the script and the call record.
type MockLauncher struct {
	mu sync.Mutex

	// OpenError makes Open fail.
	OpenError error
	// FailNavigation lists post references whose navigation fails.
	FailNavigation map[string]bool
	// BlockAtComment makes DetectBlock report a block before the Nth comment
	// (1-based, counted across the whole session). Zero never blocks.
	BlockAtComment int
	// DetectBlockError makes every block check fail.
	DetectBlockError error
	// FailComments lists comment texts that are rejected.
	FailComments map[string]bool

	// Opened records the credentials of every Open call.
	Opened []automation.Credentials
	// Calls records every session call in order.
	Calls []string
	// Posted records successfully posted comments as "post|text".
	Posted []string
	// Closed counts Close calls.
	Closed int

	blockChecks int
}

var _ automation.Launcher = (*MockLauncher)(nil)

// Open implements automation.Launcher.
func (m *MockLauncher) Open(ctx context.Context, creds automation.Credentials) (automation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	m.Opened = append(m.Opened, creds)
	return &mockSession{launcher: m}, nil
}

// Count returns how many recorded calls equal call.
func (m *MockLauncher) Count(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// OpenSessions is Open calls minus Close calls.
func (m *MockLauncher) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Opened) - m.Closed
}

type mockSession struct {
	launcher *MockLauncher
	current  string
	closed   bool
}

func (s *mockSession) Navigate(ctx context.Context, postRef string) error {
	m := s.launcher
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "navigate")
	if m.FailNavigation[postRef] {
		s.current = ""
		return fmt.Errorf("%w: %s", automation.ErrNavigationFailed, postRef)
	}
	s.current = postRef
	return nil
}

func (s *mockSession) DetectBlock(ctx context.Context) (bool, error) {
	m := s.launcher
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "detect_block")
	m.blockChecks++
	if m.DetectBlockError != nil {
		return false, m.DetectBlockError
	}
	return m.BlockAtComment > 0 && m.blockChecks >= m.BlockAtComment, nil
}

func (s *mockSession) PostComment(ctx context.Context, text string) error {
	m := s.launcher
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "post_comment")
	if s.current == "" {
		return errors.New("no post open")
	}
	if m.FailComments[text] {
		return fmt.Errorf("%w: %s", automation.ErrCommentRejected, text)
	}
	m.Posted = append(m.Posted, s.current+"|"+text)
	return nil
}

func (s *mockSession) Close(ctx context.Context) error {
	m := s.launcher
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return errors.New("session closed twice")
	}
	s.closed = true
	m.Closed++
	m.Calls = append(m.Calls, "close")
	return nil
}
