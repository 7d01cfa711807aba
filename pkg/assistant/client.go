// Package assistant is the HTTP client for the Mora conversational backend.
//
// The client is fail-soft by design: SendMessage never returns a Go error.
// Any transport, status, or decode failure yields a canned reply plus a
// diagnostic in Reply.Err so the calling screen always has something to show.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"femora/internal/util"
)

const (
	// FallbackReply is returned whenever the backend cannot produce one.
	FallbackReply = "I'm sorry, I'm having trouble connecting right now. Please try again in a moment."

	// FallbackWelcome stands in when the greeting call itself fails.
	FallbackWelcome = "Hi, I'm Mora, your breast health assistant. How can I help you today?"

	welcomePrompt = "Please greet me and briefly introduce yourself as a breast health assistant."

	defaultTimeout = 15 * time.Second
)

// Reply carries the assistant's answer. Err is a diagnostic for logging, not
// something to surface to the user; Text is always displayable.
type Reply struct {
	Text string
	Err  string
}

// Failed reports whether the reply is the fail-soft fallback.
func (r Reply) Failed() bool {
	return r.Err != ""
}

// Client calls the assistant backend. It holds the current conversation's
// session id and the tenant id set at login; both are guarded because server
// handlers may touch the client from concurrent requests.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	sessionID string
	tenantID  string
}

// NewClient constructs an assistant client with a fresh session id.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		sessionID:  util.NewSessionID(),
	}
}

// SessionID returns the current conversation correlation token.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ResetSession issues a fresh session id, starting a new conversation. The
// old id is simply discarded.
func (c *Client) ResetSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = util.NewSessionID()
	return c.sessionID
}

// SetTenant records the authenticated tenant id, set once per login.
func (c *Client) SetTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenantID = tenantID
}

type chatRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// SendMessage posts one user message and returns one reply. The caller is
// responsible for rejecting empty text before calling.
func (c *Client) SendMessage(ctx context.Context, text string) Reply {
	c.mu.RLock()
	payload := chatRequest{Input: text, SessionID: c.sessionID, UserID: c.tenantID}
	c.mu.RUnlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{Text: FallbackReply, Err: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return Reply{Text: FallbackReply, Err: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reply{Text: FallbackReply, Err: fmt.Sprintf("chat request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reply{Text: FallbackReply, Err: fmt.Sprintf("chat status: %s", resp.Status)}
	}
	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Reply{Text: FallbackReply, Err: fmt.Sprintf("decode response: %v", err)}
	}
	if strings.TrimSpace(decoded.Response) == "" {
		diag := decoded.Error
		if diag == "" {
			diag = "empty response body"
		}
		return Reply{Text: FallbackReply, Err: diag}
	}
	return Reply{Text: decoded.Response}
}

// WelcomeMessage asks the assistant to introduce itself, with its own
// hardcoded fallback when the call fails outright.
func (c *Client) WelcomeMessage(ctx context.Context) string {
	reply := c.SendMessage(ctx, welcomePrompt)
	if reply.Failed() {
		return FallbackWelcome
	}
	return reply.Text
}

// Health probes the backend's liveness endpoint. Any 2xx is healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("assistant unhealthy: %s", resp.Status)
	}
	return nil
}
