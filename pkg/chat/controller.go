// Package chat holds the conversation transcript for one tenant and mediates
// between the assistant client and the store. Sends are serialized by a busy
// flag, the user's turn is appended before the network call, and persistence
// is best-effort so a storage outage never blocks the conversation.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"femora/internal/util"
	"femora/pkg/assistant"
	"femora/pkg/domain"
	"femora/pkg/events"
	"femora/pkg/store"
)

// ErrSendInProgress is returned while a previous send is still waiting on the
// assistant.
var ErrSendInProgress = errors.New("a message send is already in progress")

// Config wires the controller. Assistant and Store are required.
type Config struct {
	Assistant *assistant.Client
	Store     store.Store
	Events    events.Publisher
	Logger    *slog.Logger
}

// Controller owns one conversation. All methods are safe for concurrent use.
type Controller struct {
	assistant *assistant.Client
	store     store.Store
	events    events.Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	busy     bool
	tenantID string
	messages []domain.ChatMessage
}

// NewController builds an empty controller. Call Open before sending.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Assistant == nil || cfg.Store == nil {
		return nil, errors.New("chat controller requires an assistant client and a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Controller{
		assistant: cfg.Assistant,
		store:     cfg.Store,
		events:    publisher,
		logger:    logger,
	}, nil
}

// Open binds the controller to a tenant, fetches the greeting, and starts the
// transcript with it.
func (c *Controller) Open(ctx context.Context, tenantID string) {
	c.mu.Lock()
	c.tenantID = tenantID
	c.messages = nil
	c.mu.Unlock()

	c.assistant.SetTenant(tenantID)
	greeting := c.assistant.WelcomeMessage(ctx)
	c.append(newMessage(greeting, false))
	c.persist()
}

// SessionID returns the assistant session backing this conversation.
func (c *Controller) SessionID() string {
	return c.assistant.SessionID()
}

// Busy reports whether a send is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Messages returns a snapshot of the transcript.
func (c *Controller) Messages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Send appends the user's turn, asks the assistant, and appends exactly one
// reply, real or fallback. Whitespace-only input is a no-op. A second Send
// while one is in flight returns ErrSendInProgress and leaves the transcript
// untouched.
func (c *Controller) Send(ctx context.Context, text string) (domain.ChatMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.ChatMessage{}, nil
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return domain.ChatMessage{}, ErrSendInProgress
	}
	c.busy = true
	c.messages = append(c.messages, newMessage(trimmed, true))
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	reply := c.assistant.SendMessage(ctx, trimmed)
	if reply.Failed() {
		c.logger.Warn("assistant unavailable, fallback reply shown", "tenant_id", c.tenantID, "err", reply.Err)
	}
	replyMsg := newMessage(reply.Text, false)
	c.append(replyMsg)
	c.persist()
	return replyMsg, nil
}

// Reset discards the transcript, rotates the assistant session, and greets
// again. It refuses to reset mid-send.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrSendInProgress
	}
	c.messages = nil
	c.mu.Unlock()

	c.assistant.ResetSession()
	greeting := c.assistant.WelcomeMessage(ctx)
	c.append(newMessage(greeting, false))
	c.persist()
	return nil
}

func (c *Controller) append(msg domain.ChatMessage) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

// persist writes the full transcript under the current assistant session id.
// Failures are logged and reported on the event bus, never surfaced to the
// conversation.
func (c *Controller) persist() {
	c.mu.Lock()
	tenantID := c.tenantID
	snapshot := make([]domain.ChatMessage, len(c.messages))
	copy(snapshot, c.messages)
	c.mu.Unlock()

	if tenantID == "" {
		return
	}
	sessionID := c.assistant.SessionID()
	if err := c.store.SaveChatSession(tenantID, sessionID, snapshot); err != nil {
		c.logger.Warn("chat persistence failed", "tenant_id", tenantID, "session_id", sessionID, "messages", len(snapshot), "err", err)
		event := events.NewEvent(events.TypePersistenceFailure, tenantID, sessionID, map[string]string{"error": err.Error()})
		if pubErr := c.events.Publish(context.Background(), event); pubErr != nil {
			c.logger.Warn("event publish failed", "type", event.Type, "err", pubErr)
		}
	}
}

func newMessage(text string, fromUser bool) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        util.NewID(),
		Text:      text,
		FromUser:  fromUser,
		Timestamp: time.Now().UTC(),
	}
}
