package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"femora/pkg/assistant"
	"femora/pkg/domain"
	"femora/pkg/store"
)

func newTestController(t *testing.T, handler http.HandlerFunc) (*Controller, *store.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	st := store.NewMemoryStore()
	c, err := NewController(Config{Assistant: assistant.NewClient(srv.URL), Store: st})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, st
}

func echoAssistant(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "echo: " + req.Input})
	}
}

func TestSendAppendsUserTurnAndReply(t *testing.T) {
	c, st := newTestController(t, echoAssistant(t))
	c.Open(context.Background(), "u1")

	reply, err := c.Send(context.Background(), "  does this look normal?  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.FromUser {
		t.Fatal("reply marked as a user turn")
	}
	if reply.Text != "echo: does this look normal?" {
		t.Fatalf("reply text = %q", reply.Text)
	}

	msgs := c.Messages()
	// Greeting, trimmed user turn, then the reply.
	if len(msgs) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(msgs))
	}
	if !msgs[1].FromUser || msgs[1].Text != "does this look normal?" {
		t.Fatalf("user turn = %+v", msgs[1])
	}

	saved, ok, err := st.GetChatSession("u1", c.SessionID())
	if err != nil || !ok {
		t.Fatalf("persisted session missing (ok=%v err=%v)", ok, err)
	}
	if len(saved.Messages) != 3 {
		t.Fatalf("persisted transcript length = %d, want 3", len(saved.Messages))
	}
}

func TestSendEmptyInputIsNoOp(t *testing.T) {
	c, _ := newTestController(t, echoAssistant(t))
	c.Open(context.Background(), "u1")
	before := len(c.Messages())

	if _, err := c.Send(context.Background(), "   \n\t "); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(c.Messages()); got != before {
		t.Fatalf("empty send changed transcript: %d -> %d", before, got)
	}
}

func TestSendWhileBusyIsRejected(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	c, _ := newTestController(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { <-release })
		json.NewEncoder(w).Encode(map[string]string{"response": "ok"})
	})
	defer close(release)
	c.Open(context.Background(), "u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(context.Background(), "first")
	}()

	deadline := time.After(2 * time.Second)
	for !c.Busy() {
		select {
		case <-deadline:
			t.Fatal("controller never became busy")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := c.Send(context.Background(), "second"); !errors.Is(err, ErrSendInProgress) {
		t.Fatalf("concurrent Send err = %v, want ErrSendInProgress", err)
	}

	release <- struct{}{}
	<-done

	// Exactly one user turn and one reply per accepted send.
	var users, replies int
	for _, m := range c.Messages() {
		if m.FromUser {
			users++
		} else {
			replies++
		}
	}
	if users != 1 || replies != 2 { // greeting plus one reply
		t.Fatalf("users = %d, replies = %d", users, replies)
	}
}

func TestSendFallbackWhenAssistantDown(t *testing.T) {
	c, err := NewController(Config{Assistant: assistant.NewClient("http://127.0.0.1:1"), Store: store.NewMemoryStore()})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	c.Open(context.Background(), "u1")

	reply, err := c.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != assistant.FallbackReply {
		t.Fatalf("reply = %q, want fallback", reply.Text)
	}
	// The greeting also fell back, so the transcript still has three turns.
	if msgs := c.Messages(); len(msgs) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(msgs))
	}
}

func TestSendSurvivesStoreOutage(t *testing.T) {
	var logs bytes.Buffer
	c, _ := newTestController(t, echoAssistant(t))
	c.store = failingChatStore{Store: store.NewMemoryStore()}
	c.logger = slog.New(slog.NewJSONHandler(&logs, nil))
	c.Open(context.Background(), "u1")

	reply, err := c.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send should be best-effort about persistence: %v", err)
	}
	if reply.Text == "" {
		t.Fatal("expected a reply despite the store outage")
	}

	// The failure log must identify the tenant and how many messages were
	// at stake. Greeting, user turn, and reply make three by the send.
	out := logs.String()
	if !strings.Contains(out, `"tenant_id":"u1"`) || !strings.Contains(out, `"messages":3`) {
		t.Fatalf("persistence failure log missing context: %s", out)
	}
}

func TestResetRotatesSessionAndGreetsAgain(t *testing.T) {
	c, _ := newTestController(t, echoAssistant(t))
	c.Open(context.Background(), "u1")
	first := c.SessionID()
	if _, err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.SessionID() == first {
		t.Fatal("Reset did not rotate the session id")
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].FromUser {
		t.Fatalf("post-reset transcript = %+v, want a single greeting", msgs)
	}
}

type failingChatStore struct {
	store.Store
}

func (failingChatStore) SaveChatSession(string, string, []domain.ChatMessage) error {
	return errors.New("write unavailable")
}
