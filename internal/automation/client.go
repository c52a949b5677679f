package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the automation sidecar over HTTP. The sidecar owns the
// browser; this process only drives it.
//
//	POST   /sessions                    open a session, returns {"session_id"}
//	POST   /sessions/{id}/navigate      {"post_ref"} -> {"ok"}
//	GET    /sessions/{id}/block         -> {"blocked"}
//	POST   /sessions/{id}/comments      {"text"} -> {"ok"}
//	DELETE /sessions/{id}               close
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the sidecar at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("automation base URL cannot be empty")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid automation base URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "automation_client"),
	}, nil
}

var _ Launcher = (*Client)(nil)

type openRequest struct {
	AccountID string         `json:"account_id"`
	Session   map[string]any `json:"session"`
	Token     string         `json:"token,omitempty"`
	Egress    map[string]any `json:"egress,omitempty"`
}

type openResponse struct {
	SessionID string `json:"session_id"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type blockResponse struct {
	Blocked bool `json:"blocked"`
}

// Open implements Launcher.
func (c *Client) Open(ctx context.Context, creds Credentials) (Session, error) {
	var resp openResponse
	err := c.do(ctx, http.MethodPost, "/sessions", openRequest{
		AccountID: creds.AccountID.String(),
		Session:   creds.Session,
		Token:     creds.Token,
		Egress:    creds.Egress,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSessionUnavailable)
	}
	c.logger.Debug("automation session opened",
		"account_id", creds.AccountID,
		"session_id", resp.SessionID)
	return &httpSession{client: c, id: resp.SessionID}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type httpSession struct {
	client *Client
	id     string
}

func (s *httpSession) path(suffix string) string {
	return "/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *httpSession) Navigate(ctx context.Context, postRef string) error {
	var resp okResponse
	if err := s.client.do(ctx, http.MethodPost, s.path("/navigate"), map[string]string{"post_ref": postRef}, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrNavigationFailed, err)
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s", ErrNavigationFailed, resp.Error)
	}
	return nil
}

func (s *httpSession) DetectBlock(ctx context.Context) (bool, error) {
	var resp blockResponse
	if err := s.client.do(ctx, http.MethodGet, s.path("/block"), nil, &resp); err != nil {
		return false, fmt.Errorf("block check failed: %w", err)
	}
	return resp.Blocked, nil
}

func (s *httpSession) PostComment(ctx context.Context, text string) error {
	var resp okResponse
	if err := s.client.do(ctx, http.MethodPost, s.path("/comments"), map[string]string{"text": text}, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrCommentRejected, err)
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s", ErrCommentRejected, resp.Error)
	}
	return nil
}

// Close uses a fresh context so a session is released even when the
// execution context has already expired.
func (s *httpSession) Close(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.client.do(closeCtx, http.MethodDelete, s.path(""), nil, nil); err != nil {
		return fmt.Errorf("failed to close session %s: %w", s.id, err)
	}
	return nil
}
