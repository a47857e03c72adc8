package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"pairchat/internal/dispatch"
	"pairchat/internal/identity"
	"pairchat/internal/store"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

type fakeRegistry map[string]int

func (f fakeRegistry) GetStats() map[string]int { return f }

type fixture struct {
	server   *Server
	store    *store.Memory
	verifier *identity.HMACVerifier
	chatID   string
}

// newFixture pairs u1 and u2 and stores three messages between them.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	mem := store.NewMemory()
	d := dispatch.New(mem, interfaces.PushFunc(func(context.Context, string, types.Event) error { return nil }),
		dispatch.Options{NewChatID: func() string { return "chat-1" }})
	verifier, err := identity.NewHMACVerifier("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, u := range []string{"u1", "u2", "u3"} {
		if _, err := mem.Connect(ctx, u, "conn-"+u, now); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mem.Match(ctx, "u1", "chat-1", now); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Match(ctx, "u2", "chat-1", now); err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := &types.Message{ChatID: "chat-1", MessageID: id, SenderID: "u1", Content: id, SentAt: now.Add(time.Duration(i) * time.Second)}
		if _, err := mem.PutMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	return &fixture{
		server:   NewServer(d, mem, fakeRegistry{"total_connections": 2}, verifier, Options{}),
		store:    mem,
		verifier: verifier,
		chatID:   "chat-1",
	}
}

func (f *fixture) get(t *testing.T, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		tok, err := f.verifier.Issue(userID)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "healthy" || resp.Connections["total_connections"] != 2 {
		t.Errorf("health = %+v", resp)
	}

	_ = f.store.Close()
	if w := f.get(t, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed store health = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	if w := f.get(t, "/api/users/me/state", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users/me/state", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d", w.Code)
	}
}

func TestCurrentState(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/users/me/state", "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var state types.UserConnection
	decode(t, w, &state)
	if state.UserID != "u1" || state.ActiveChatID() != f.chatID {
		t.Errorf("state = %+v", state)
	}

	if w := f.get(t, "/api/users/me/state", "stranger"); w.Code != http.StatusNotFound {
		t.Errorf("unknown user = %d", w.Code)
	}
}

func TestChatMessages(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/chats/chat-1/messages?limit=2", "u2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var page HistoryResponse
	decode(t, w, &page)
	if len(page.Messages) != 2 || page.Messages[0].MessageID != "m2" || page.Messages[1].MessageID != "m3" {
		t.Fatalf("first page = %+v", page.Messages)
	}
	if page.LastEvaluatedKey == "" {
		t.Fatal("expected a cursor")
	}

	w = f.get(t, "/api/chats/chat-1/messages?limit=2&cursor="+page.LastEvaluatedKey, "u2")
	var last HistoryResponse
	decode(t, w, &last)
	if len(last.Messages) != 1 || last.Messages[0].MessageID != "m1" || last.LastEvaluatedKey != "" {
		t.Errorf("last page = %+v", last)
	}
}

func TestChatMessages_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		user   string
		status int
	}{
		{"outsider", "/api/chats/chat-1/messages", "u3", http.StatusForbidden},
		{"unknown chat", "/api/chats/nope/messages", "u1", http.StatusNotFound},
		{"limit too large", "/api/chats/chat-1/messages?limit=500", "u1", http.StatusBadRequest},
		{"limit not a number", "/api/chats/chat-1/messages?limit=ten", "u1", http.StatusBadRequest},
		{"bad cursor", "/api/chats/chat-1/messages?cursor=%25%25", "u1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, tt.path, tt.user)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			var resp ErrorResponse
			decode(t, w, &resp)
			if resp.Code != tt.status || resp.Error == "" {
				t.Errorf("error body = %+v", resp)
			}
		})
	}
}

type failingReader struct{}

func (failingReader) CurrentState(context.Context, string) (*types.UserConnection, error) {
	return nil, errors.New("sqlite: disk I/O error")
}

func (failingReader) History(context.Context, string, string, int, string) (*types.HistoryPage, error) {
	return nil, errors.New("sqlite: disk I/O error")
}

func TestInternalErrorsAreHidden(t *testing.T) {
	f := newFixture(t)
	f.server = NewServer(failingReader{}, f.store, nil, f.verifier, Options{})

	w := f.get(t, "/api/users/me/state", "u1")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Error != "internal error" {
		t.Errorf("internal detail leaked: %q", resp.Error)
	}
}
