package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pairchat/internal/app"
	"pairchat/internal/config"
	"pairchat/pkg/types"
)

const readTimeout = 3 * time.Second

// startApp runs a full server on an ephemeral port backed by driver.
func startApp(t *testing.T, driver string, mutate func(*config.Config)) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Secret = "integration-secret"
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Driver = driver
	cfg.Database.Path = filepath.Join(t.TempDir(), "pairchat.db")
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(stopCtx); err != nil {
			t.Logf("Stop: %v", err)
		}
	})
	return application
}

func issueToken(t *testing.T, application *app.Application, userID string) string {
	t.Helper()
	token, err := application.Verifier().Issue(userID)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// wsClient is a raw gorilla socket speaking the envelope protocol.
type wsClient struct {
	t      *testing.T
	userID string
	token  string
	conn   *websocket.Conn
}

func dial(t *testing.T, application *app.Application, userID string) *wsClient {
	t.Helper()
	token := issueToken(t, application, userID)
	url := "ws://" + application.GetAddr() + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", userID, err)
	}
	c := &wsClient{t: t, userID: userID, token: token, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	c.expect(types.EventCurrentState)
	return c
}

func (c *wsClient) send(req types.Request) {
	c.t.Helper()
	env, err := types.NewEnvelope(req, c.token)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("%s write failed: %v", c.userID, err)
	}
}

// expect reads until an event with action arrives, skipping others.
func (c *wsClient) expect(action string) *types.RawEvent {
	c.t.Helper()
	deadline := time.Now().Add(readTimeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var ev types.RawEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			c.t.Fatalf("%s waiting for %s: %v", c.userID, action, err)
		}
		if ev.Action == action {
			return &ev
		}
	}
}

// expectNone fails if an event with action arrives within wait. The read
// deadline breaks the gorilla connection, so this must be the last read.
func (c *wsClient) expectNone(action string, wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	for {
		var ev types.RawEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Action == action {
			c.t.Fatalf("%s received unexpected %s: %s", c.userID, action, ev.Data)
		}
	}
}

func decode[T any](t *testing.T, ev *types.RawEvent) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", ev.Action, err)
	}
	return v
}

// pair connects u1 and u2 and matches them, returning the chat id.
func pair(t *testing.T, application *app.Application) (*wsClient, *wsClient, string) {
	t.Helper()
	u1 := dial(t, application, "u1")
	u2 := dial(t, application, "u2")

	u1.send(&types.StartConversationRequest{UserID: "u1"})
	u1.expect(types.EventQueued)
	u2.send(&types.StartConversationRequest{UserID: "u2"})

	s1 := decode[types.ConversationStartedEvent](t, u1.expect(types.EventConversationStarted))
	s2 := decode[types.ConversationStartedEvent](t, u2.expect(types.EventConversationStarted))
	if s1.ChatID == "" || s1.ChatID != s2.ChatID {
		t.Fatalf("chat ids differ: %q vs %q", s1.ChatID, s2.ChatID)
	}
	return u1, u2, s1.ChatID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
