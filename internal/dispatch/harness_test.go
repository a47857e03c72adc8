package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"pairchat/internal/store"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// recordingPush captures events per connection and can simulate gone or
// failing sockets.
type recordingPush struct {
	mu      sync.Mutex
	events  map[string][]types.Event
	gone    map[string]bool
	failing map[string]bool
}

func newRecordingPush() *recordingPush {
	return &recordingPush{
		events:  make(map[string][]types.Event),
		gone:    make(map[string]bool),
		failing: make(map[string]bool),
	}
}

func (p *recordingPush) Push(ctx context.Context, connectionID string, ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[connectionID] {
		return interfaces.ErrConnectionGone
	}
	if p.failing[connectionID] {
		return fmt.Errorf("write timeout")
	}
	p.events[connectionID] = append(p.events[connectionID], ev)
	return nil
}

// take returns and clears the events recorded for connectionID.
func (p *recordingPush) take(connectionID string) []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.events[connectionID]
	delete(p.events, connectionID)
	return evs
}

func (p *recordingPush) markGone(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone[connectionID] = true
}

func (p *recordingPush) markFailing(connectionID string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[connectionID] = failing
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
	push  *recordingPush
	d     *Dispatcher
	clock time.Time
	conns map[string]int
	chats int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(),
		push:  newRecordingPush(),
		clock: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		conns: make(map[string]int),
	}
	opts.Now = func() time.Time { return h.clock }
	opts.NewChatID = func() string {
		h.chats++
		return fmt.Sprintf("chat-%d", h.chats)
	}
	h.d = New(h.store, h.push, opts)
	return h
}

// connect opens a fresh socket for userID and drains its connect events.
func (h *harness) connect(userID string) (Caller, []types.Event) {
	h.t.Helper()
	h.conns[userID]++
	caller := Caller{UserID: userID, ConnectionID: fmt.Sprintf("conn-%s-%d", userID, h.conns[userID])}
	if err := h.d.Connect(h.ctx, caller); err != nil {
		h.t.Fatalf("Connect(%s) failed: %v", userID, err)
	}
	return caller, h.push.take(caller.ConnectionID)
}

func (h *harness) disconnect(caller Caller) {
	h.t.Helper()
	if err := h.d.Disconnect(h.ctx, caller.ConnectionID); err != nil {
		h.t.Fatalf("Disconnect(%s) failed: %v", caller.ConnectionID, err)
	}
}

// pair connects and matches u1 and u2, draining the start events.
func (h *harness) pair() (Caller, Caller, string) {
	h.t.Helper()
	u1, _ := h.connect("u1")
	u2, _ := h.connect("u2")
	h.mustDispatch(u1, &types.StartConversationRequest{UserID: "u1"})
	h.mustDispatch(u2, &types.StartConversationRequest{UserID: "u2"})
	h.push.take(u1.ConnectionID)
	h.push.take(u2.ConnectionID)
	return u1, u2, fmt.Sprintf("chat-%d", h.chats)
}

func (h *harness) mustDispatch(caller Caller, req types.Request) {
	h.t.Helper()
	if err := h.d.Dispatch(h.ctx, caller, req); err != nil {
		h.t.Fatalf("Dispatch(%s) failed: %v", req.Action(), err)
	}
}

func (h *harness) send(caller Caller, chatID, messageID, content string) error {
	return h.d.Dispatch(h.ctx, caller, &types.SendMessageRequest{
		ChatID:    chatID,
		MessageID: messageID,
		SenderID:  caller.UserID,
		Content:   content,
		SentAt:    h.clock.Format(time.RFC3339Nano),
	})
}

func actions(evs []types.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Action
	}
	return out
}

// only asserts evs holds exactly one event named action and decodes it into v.
func only(t *testing.T, evs []types.Event, action string, v any) {
	t.Helper()
	var found []types.Event
	for _, ev := range evs {
		if ev.Action == action {
			found = append(found, ev)
		}
	}
	if len(found) != 1 {
		t.Fatalf("expected exactly one %s in %v, got %d", action, actions(evs), len(found))
	}
	if v == nil {
		return
	}
	raw, err := json.Marshal(found[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatal(err)
	}
}

func count(evs []types.Event, action string) int {
	n := 0
	for _, ev := range evs {
		if ev.Action == action {
			n++
		}
	}
	return n
}
