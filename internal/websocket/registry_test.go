package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	conn, _ := socketPair(t, "u1", "conn-1")

	if err := r.Register(conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got, ok := r.Get("conn-1"); !ok || got != conn {
		t.Error("Get by connection id failed")
	}
	if got, ok := r.GetUserConnection("u1"); !ok || got != conn {
		t.Error("Get by user failed")
	}
	if stats := r.GetStats(); stats["total_connections"] != 1 || stats["connected_users"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestRegistry_RejectsIncompleteConnections(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err != ErrNilConnection {
		t.Errorf("Register(nil) = %v", err)
	}
	if err := r.Register(&Connection{userID: "u1"}); err != ErrMissingConnectionID {
		t.Errorf("Register without connection id = %v", err)
	}
}

func TestRegistry_ReplacementClosesOldSocket(t *testing.T) {
	r := NewRegistry()
	old, oldClient := socketPair(t, "u1", "conn-1")
	newer, _ := socketPair(t, "u1", "conn-2")

	_ = r.Register(old)
	_ = r.Register(newer)

	if _, ok := r.Get("conn-1"); ok {
		t.Error("replaced connection still addressable")
	}
	if got, _ := r.GetUserConnection("u1"); got != newer {
		t.Error("user lookup should return the newer socket")
	}

	_ = oldClient.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := oldClient.ReadMessage()
	if !websocket.IsCloseError(err, CloseReplaced) {
		t.Errorf("old client should see close %d, got %v", CloseReplaced, err)
	}

	// RACE CONDITION FIX: the late cleanup of the old socket leaves the new one
	if r.Unregister(old) {
		t.Error("Unregister of a replaced socket should report false")
	}
	if _, ok := r.Get("conn-2"); !ok {
		t.Error("old socket cleanup removed the newer registration")
	}
	if !r.Unregister(newer) {
		t.Error("Unregister of the current socket should report true")
	}
	if stats := r.GetStats(); stats["total_connections"] != 0 {
		t.Errorf("stats after unregister = %v", stats)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &Connection{userID: fmt.Sprintf("user%d", i%10), connectionID: uuid.NewString()}
			c.ctx, c.cancel = contextPair()
			_ = r.Register(c)
			r.Get(c.connectionID)
			r.GetUserConnection(c.userID)
			r.GetStats()
		}(i)
	}
	wg.Wait()

	if stats := r.GetStats(); stats["connected_users"] != 10 {
		t.Errorf("connected_users = %d, want 10", stats["connected_users"])
	}
}

// contextPair gives a bare Connection a cancellable lifetime so a replacing
// Register can close it without a socket.
func contextPair() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// stubConnection records frames and close codes without a socket.
type stubConnection struct {
	mu       sync.Mutex
	userID   string
	connID   string
	frames   []interface{}
	closedAt int
	writeErr error
}

func (s *stubConnection) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, v)
	return nil
}

func (s *stubConnection) CloseWithCode(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedAt = code
	return nil
}

func (s *stubConnection) Close() error            { return s.CloseWithCode(websocket.CloseNormalClosure, "") }
func (s *stubConnection) GetUserID() string       { return s.userID }
func (s *stubConnection) GetConnectionID() string { return s.connID }

func (s *stubConnection) closeCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

func TestRegistry_HoldsAnyConnection(t *testing.T) {
	r := NewRegistry()
	p := NewLocalPush(r)
	first := &stubConnection{userID: "u1", connID: "conn-1"}
	second := &stubConnection{userID: "u1", connID: "conn-2", writeErr: ErrConnectionClosed}

	if err := r.Register(first); err != nil {
		t.Fatal(err)
	}
	ev := types.Event{Action: types.EventQueued, Data: types.QueuedEvent{UserID: "u1"}}
	if err := p.Push(context.Background(), "conn-1", ev); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(first.frames) != 1 {
		t.Errorf("frames = %d, want 1", len(first.frames))
	}

	_ = r.Register(second)
	deadline := time.Now().Add(time.Second)
	for first.closeCode() != CloseReplaced && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := first.closeCode(); got != CloseReplaced {
		t.Errorf("replaced stub close code = %d, want %d", got, CloseReplaced)
	}
	if err := p.Push(context.Background(), "conn-2", ev); !errors.Is(err, interfaces.ErrConnectionGone) {
		t.Errorf("closed stub push = %v, want ErrConnectionGone", err)
	}

	r.CloseAll()
	if got := second.closeCode(); got != 1001 {
		t.Errorf("CloseAll code = %d, want 1001", got)
	}
}
