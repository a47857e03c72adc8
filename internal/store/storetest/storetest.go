// Package storetest is a behavioural suite every interfaces.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// Factory returns a fresh, empty store. Cleanup is the caller's job.
type Factory func(t *testing.T) interfaces.Store

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s interfaces.Store)
	}{
		{"ConnectCreatesRecord", testConnectCreatesRecord},
		{"ConnectResolvesActiveChat", testConnectResolvesActiveChat},
		{"DisconnectIsConditional", testDisconnectIsConditional},
		{"MatchQueuesThenPairs", testMatchQueuesThenPairs},
		{"MatchNeverPairsWithSelf", testMatchNeverPairsWithSelf},
		{"MatchSkipsDisconnectedWaiter", testMatchSkipsDisconnectedWaiter},
		{"BarrierAdvancesBoth", testBarrierAdvancesBoth},
		{"BarrierSingleReadyIsIdempotent", testBarrierSingleReadyIsIdempotent},
		{"BarrierStopsAtMaximum", testBarrierStopsAtMaximum},
		{"BarrierConcurrentReadyConverges", testBarrierConcurrentReadyConverges},
		{"EndConversationIsTerminal", testEndConversationIsTerminal},
		{"NewConversationResetsProgress", testNewConversationResetsProgress},
		{"PutMessageIsIdempotent", testPutMessageIsIdempotent},
		{"ClaimQueuedMessagesOnce", testClaimQueuedMessagesOnce},
		{"ConcurrentClaimsNeverOverlap", testConcurrentClaimsNeverOverlap},
		{"ListMessagesPagesNewestFirst", testListMessagesPagesNewestFirst},
		{"HealthCheck", testHealthCheck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// pair connects u1 and u2 and matches them into chatID.
func pair(t *testing.T, s interfaces.Store, chatID string) *types.Conversation {
	t.Helper()
	ctx := context.Background()
	mustConnect(t, s, "u1", "conn-u1")
	mustConnect(t, s, "u2", "conn-u2")

	if res, err := s.Match(ctx, "u1", chatID, epoch); err != nil || !res.Queued {
		t.Fatalf("first Match should queue, got %+v, %v", res, err)
	}
	res, err := s.Match(ctx, "u2", chatID, epoch)
	if err != nil {
		t.Fatalf("second Match failed: %v", err)
	}
	if res.Queued || res.Conversation == nil {
		t.Fatalf("second Match should pair, got %+v", res)
	}
	return res.Conversation
}

func mustConnect(t *testing.T, s interfaces.Store, userID, connID string) *types.UserConnection {
	t.Helper()
	u, err := s.Connect(context.Background(), userID, connID, epoch)
	if err != nil {
		t.Fatalf("Connect(%s) failed: %v", userID, err)
	}
	return u
}

func mustUser(t *testing.T, s interfaces.Store, userID string) *types.UserConnection {
	t.Helper()
	u, err := s.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUser(%s) failed: %v", userID, err)
	}
	return u
}

func testConnectCreatesRecord(t *testing.T, s interfaces.Store) {
	if _, err := s.GetUser(context.Background(), "u1"); !errors.Is(err, interfaces.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound before connect, got %v", err)
	}

	u := mustConnect(t, s, "u1", "conn-1")
	if !u.Connected() || *u.ConnectionID != "conn-1" {
		t.Errorf("connection id not set: %+v", u)
	}
	if u.Ready || u.ActiveChatID() != "" || u.QuestionIndex != 0 {
		t.Errorf("fresh record should be idle: %+v", u)
	}
	if !u.CreatedAt.Equal(epoch) {
		t.Errorf("CreatedAt = %v, want %v", u.CreatedAt, epoch)
	}

	owner, err := s.FindUserByConnection(context.Background(), "conn-1")
	if err != nil || owner.UserID != "u1" {
		t.Errorf("FindUserByConnection = %+v, %v", owner, err)
	}
}

func testConnectResolvesActiveChat(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")

	if _, err := s.MarkReady(ctx, conv.ChatID, "u1", types.DefaultMaxQuestionIndex); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	u := mustConnect(t, s, "u1", "conn-u1-b")
	if u.ActiveChatID() != "chat-1" {
		t.Errorf("reconnect should resolve chat-1, got %q", u.ActiveChatID())
	}
	if u.Ready {
		t.Error("reconnect must reset ready")
	}

	if _, err := s.EndConversation(ctx, conv.ChatID, "u2", "done", epoch); err != nil {
		t.Fatalf("EndConversation failed: %v", err)
	}
	u = mustConnect(t, s, "u1", "conn-u1-c")
	if u.ActiveChatID() != "" {
		t.Errorf("ended conversation must not resolve, got %q", u.ActiveChatID())
	}
	latest, err := s.LatestConversation(ctx, "u1")
	if err != nil || latest.ChatID != "chat-1" || !latest.Ended() {
		t.Errorf("LatestConversation = %+v, %v", latest, err)
	}
}

func testDisconnectIsConditional(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	mustConnect(t, s, "u1", "old")
	mustConnect(t, s, "u1", "new")

	if _, err := s.Disconnect(ctx, "old", epoch); !errors.Is(err, interfaces.ErrUserNotFound) {
		t.Fatalf("stale disconnect should find no owner, got %v", err)
	}
	if u := mustUser(t, s, "u1"); !u.Connected() || *u.ConnectionID != "new" {
		t.Fatalf("stale disconnect detached the live socket: %+v", u)
	}

	later := epoch.Add(time.Minute)
	u, err := s.Disconnect(ctx, "new", later)
	if err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if u.Connected() || !u.LastSeen.Equal(later) {
		t.Errorf("disconnect should clear connection and stamp lastSeen: %+v", u)
	}
}

func testMatchQueuesThenPairs(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")

	if conv.ParticipantA != "u1" || conv.ParticipantB != "u2" {
		t.Errorf("participants not sorted: %+v", conv)
	}
	for _, id := range []string{"u1", "u2"} {
		u := mustUser(t, s, id)
		if u.ActiveChatID() != "chat-1" || u.Waiting || u.Ready {
			t.Errorf("%s not attached cleanly: %+v", id, u)
		}
	}
	if _, err := s.Match(ctx, "u1", "chat-2", epoch); !errors.Is(err, interfaces.ErrAlreadyInConversation) {
		t.Errorf("expected ErrAlreadyInConversation, got %v", err)
	}
	if _, err := s.Match(ctx, "ghost", "chat-3", epoch); !errors.Is(err, interfaces.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func testMatchNeverPairsWithSelf(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	mustConnect(t, s, "u1", "conn-1")
	for i := 0; i < 2; i++ {
		res, err := s.Match(ctx, "u1", fmt.Sprintf("chat-%d", i), epoch)
		if err != nil || !res.Queued {
			t.Fatalf("attempt %d: expected queued, got %+v, %v", i, res, err)
		}
	}
	if u := mustUser(t, s, "u1"); !u.Waiting {
		t.Error("caller should be waiting")
	}
}

func testMatchSkipsDisconnectedWaiter(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	mustConnect(t, s, "u1", "conn-1")
	mustConnect(t, s, "u2", "conn-2")
	if _, err := s.Match(ctx, "u1", "chat-1", epoch); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Disconnect(ctx, "conn-1", epoch); err != nil {
		t.Fatal(err)
	}
	res, err := s.Match(ctx, "u2", "chat-1", epoch)
	if err != nil || !res.Queued {
		t.Errorf("waiter who left should not be matched, got %+v, %v", res, err)
	}
}

func testBarrierAdvancesBoth(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")

	res, err := s.MarkReady(ctx, conv.ChatID, "u1", types.DefaultMaxQuestionIndex)
	if err != nil {
		t.Fatal(err)
	}
	if res.Advanced || res.PeerReady || res.QuestionIndex != 0 {
		t.Errorf("first ready should not advance: %+v", res)
	}

	res, err = s.MarkReady(ctx, conv.ChatID, "u2", types.DefaultMaxQuestionIndex)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Advanced || res.QuestionIndex != 1 {
		t.Errorf("second ready should advance to 1: %+v", res)
	}
	for _, id := range []string{"u1", "u2"} {
		u := mustUser(t, s, id)
		if u.QuestionIndex != 1 || u.Ready {
			t.Errorf("%s after advance: %+v", id, u)
		}
	}

	if _, err := s.MarkReady(ctx, conv.ChatID, "u3", types.DefaultMaxQuestionIndex); !errors.Is(err, interfaces.ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := s.MarkReady(ctx, "missing", "u1", types.DefaultMaxQuestionIndex); !errors.Is(err, interfaces.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func testBarrierSingleReadyIsIdempotent(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")

	for i := 0; i < 3; i++ {
		res, err := s.MarkReady(ctx, conv.ChatID, "u1", types.DefaultMaxQuestionIndex)
		if err != nil {
			t.Fatal(err)
		}
		if res.Advanced {
			t.Fatalf("repeat %d advanced without the peer", i)
		}
	}
	if u := mustUser(t, s, "u1"); !u.Ready || u.QuestionIndex != 0 {
		t.Errorf("u1 after repeated ready: %+v", u)
	}
}

func testBarrierStopsAtMaximum(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")
	const maxIndex = 2

	for round := 1; round <= maxIndex; round++ {
		if _, err := s.MarkReady(ctx, conv.ChatID, "u1", maxIndex); err != nil {
			t.Fatal(err)
		}
		res, err := s.MarkReady(ctx, conv.ChatID, "u2", maxIndex)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Advanced || res.QuestionIndex != round {
			t.Fatalf("round %d: %+v", round, res)
		}
	}
	if _, err := s.MarkReady(ctx, conv.ChatID, "u1", maxIndex); !errors.Is(err, interfaces.ErrProgressionComplete) {
		t.Errorf("expected ErrProgressionComplete, got %v", err)
	}
}

// Both participants hit ready at the same time; exactly one of the two calls
// must observe the peer and advance.
func testBarrierConcurrentReadyConverges(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")
	const rounds = 20

	for round := 1; round <= rounds; round++ {
		var wg sync.WaitGroup
		results := make([]*types.BarrierResult, 2)
		errs := make([]error, 2)
		for i, id := range []string{"u1", "u2"} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				results[i], errs[i] = s.MarkReady(ctx, conv.ChatID, id, types.DefaultMaxQuestionIndex)
			}(i, id)
		}
		wg.Wait()

		advanced := 0
		for i := range results {
			if errs[i] != nil {
				t.Fatalf("round %d: MarkReady failed: %v", round, errs[i])
			}
			if results[i].Advanced {
				advanced++
			}
		}
		if advanced != 1 {
			t.Fatalf("round %d: %d calls advanced, want exactly 1", round, advanced)
		}
		u1, u2 := mustUser(t, s, "u1"), mustUser(t, s, "u2")
		if u1.QuestionIndex != round || u2.QuestionIndex != round || u1.Ready || u2.Ready {
			t.Fatalf("round %d diverged: u1=%+v u2=%+v", round, u1, u2)
		}
	}
}

func testEndConversationIsTerminal(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")

	if _, err := s.EndConversation(ctx, conv.ChatID, "u3", "", epoch); !errors.Is(err, interfaces.ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}

	ended, err := s.EndConversation(ctx, conv.ChatID, "u1", "bye", epoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("EndConversation failed: %v", err)
	}
	if !ended.Ended() || *ended.EndedBy != "u1" || *ended.EndReason != "bye" {
		t.Errorf("ended conversation: %+v", ended)
	}
	for _, id := range []string{"u1", "u2"} {
		if u := mustUser(t, s, id); u.ActiveChatID() != "" || u.Ready {
			t.Errorf("%s still attached after end: %+v", id, u)
		}
	}

	if _, err := s.EndConversation(ctx, conv.ChatID, "u2", "", epoch); !errors.Is(err, interfaces.ErrConversationEnded) {
		t.Errorf("expected ErrConversationEnded on second end, got %v", err)
	}
	if _, err := s.MarkReady(ctx, conv.ChatID, "u1", types.DefaultMaxQuestionIndex); !errors.Is(err, interfaces.ErrConversationEnded) {
		t.Errorf("expected ErrConversationEnded from MarkReady, got %v", err)
	}
	err = s.RecordLastMessage(ctx, conv.ChatID, types.LastMessage{Content: "late", SentAt: epoch}, epoch)
	if !errors.Is(err, interfaces.ErrConversationEnded) {
		t.Errorf("expected ErrConversationEnded from RecordLastMessage, got %v", err)
	}
}

func testNewConversationResetsProgress(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")
	_, _ = s.MarkReady(ctx, conv.ChatID, "u1", types.DefaultMaxQuestionIndex)
	_, _ = s.MarkReady(ctx, conv.ChatID, "u2", types.DefaultMaxQuestionIndex)
	if _, err := s.EndConversation(ctx, conv.ChatID, "u1", "", epoch); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Match(ctx, "u1", "chat-2", epoch); err != nil {
		t.Fatal(err)
	}
	res, err := s.Match(ctx, "u2", "chat-2", epoch)
	if err != nil || res.Conversation == nil {
		t.Fatalf("rematch failed: %+v, %v", res, err)
	}
	if u := mustUser(t, s, "u1"); u.QuestionIndex != 0 || u.ActiveChatID() != "chat-2" {
		t.Errorf("new conversation should start at prompt 0: %+v", u)
	}
}

func testPutMessageIsIdempotent(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")
	msg := &types.Message{ChatID: conv.ChatID, MessageID: "m1", SenderID: "u1", Content: "hi", SentAt: epoch, Queued: true}

	created, err := s.PutMessage(ctx, msg)
	if err != nil || !created {
		t.Fatalf("first PutMessage = %v, %v", created, err)
	}
	dup := *msg
	dup.Content = "changed"
	created, err = s.PutMessage(ctx, &dup)
	if err != nil || created {
		t.Fatalf("duplicate PutMessage = %v, %v", created, err)
	}

	if err := s.SetMessageQueued(ctx, conv.ChatID, "m1", false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMessageQueued(ctx, conv.ChatID, "nope", false); !errors.Is(err, interfaces.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}

	page, err := s.ListMessages(ctx, conv.ChatID, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Content != "hi" || page.Messages[0].Queued {
		t.Errorf("stored message: %+v", page.Messages)
	}

	stored, err := s.GetMessage(ctx, conv.ChatID, "m1")
	if err != nil || stored.SenderID != "u1" || stored.Content != "hi" || !stored.SentAt.Equal(epoch) {
		t.Errorf("GetMessage = %+v, %v", stored, err)
	}
	if _, err := s.GetMessage(ctx, conv.ChatID, "nope"); !errors.Is(err, interfaces.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}

	if err := s.RecordLastMessage(ctx, conv.ChatID, types.LastMessage{Content: "hi", SentAt: epoch}, epoch); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetConversation(ctx, conv.ChatID)
	if err != nil || got.LastMessage == nil || got.LastMessage.Content != "hi" {
		t.Errorf("lastMessage not recorded: %+v, %v", got, err)
	}
}

func putQueued(t *testing.T, s interfaces.Store, chatID, sender string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := &types.Message{
			ChatID:    chatID,
			MessageID: fmt.Sprintf("%s-m%d", sender, i),
			SenderID:  sender,
			Content:   fmt.Sprintf("message %d", i),
			SentAt:    epoch.Add(time.Duration(n-i) * time.Second),
			Queued:    true,
		}
		if _, err := s.PutMessage(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}
}

func testClaimQueuedMessagesOnce(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")
	putQueued(t, s, conv.ChatID, "u1", 3)
	putQueued(t, s, conv.ChatID, "u2", 1)

	claimed, err := s.ClaimQueuedMessages(ctx, conv.ChatID, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d messages, want 3", len(claimed))
	}
	for i := 1; i < len(claimed); i++ {
		if claimed[i].SentAt.Before(claimed[i-1].SentAt) {
			t.Errorf("claimed messages not ascending at %d", i)
		}
	}
	for _, m := range claimed {
		if m.SenderID == "u2" {
			t.Errorf("recipient's own message claimed: %+v", m)
		}
	}

	again, err := s.ClaimQueuedMessages(ctx, conv.ChatID, "u2")
	if err != nil || len(again) != 0 {
		t.Errorf("second claim = %d messages, %v", len(again), err)
	}

	if err := s.SetMessageQueued(ctx, conv.ChatID, claimed[0].MessageID, true); err != nil {
		t.Fatal(err)
	}
	requeued, err := s.ClaimQueuedMessages(ctx, conv.ChatID, "u2")
	if err != nil || len(requeued) != 1 || requeued[0].MessageID != claimed[0].MessageID {
		t.Errorf("requeued message not claimable: %+v, %v", requeued, err)
	}
}

func testConcurrentClaimsNeverOverlap(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")
	putQueued(t, s, conv.ChatID, "u1", 10)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.ClaimQueuedMessages(ctx, conv.ChatID, "u2")
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			mu.Lock()
			for _, m := range msgs {
				seen[m.MessageID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 10 {
		t.Errorf("claimed %d distinct messages, want 10", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s claimed %d times", id, n)
		}
	}
}

func testListMessagesPagesNewestFirst(t *testing.T, s interfaces.Store) {
	ctx := context.Background()
	conv := pair(t, s, "chat-1")
	for i := 1; i <= 7; i++ {
		msg := &types.Message{
			ChatID:    conv.ChatID,
			MessageID: fmt.Sprintf("m%d", i),
			SenderID:  "u1",
			Content:   "x",
			SentAt:    epoch.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.PutMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	want := [][]string{{"m5", "m6", "m7"}, {"m2", "m3", "m4"}, {"m1"}}
	cursor := ""
	for i, ids := range want {
		page, err := s.ListMessages(ctx, conv.ChatID, 3, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		var got []string
		for _, m := range page.Messages {
			got = append(got, m.MessageID)
		}
		if fmt.Sprint(got) != fmt.Sprint(ids) {
			t.Fatalf("page %d = %v, want %v", i, got, ids)
		}
		last := i == len(want)-1
		if last != (page.LastEvaluatedKey == "") {
			t.Fatalf("page %d cursor = %q", i, page.LastEvaluatedKey)
		}
		cursor = page.LastEvaluatedKey
	}

	if _, err := s.ListMessages(ctx, conv.ChatID, 3, "not-a-cursor!"); !errors.Is(err, interfaces.ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func testHealthCheck(t *testing.T, s interfaces.Store) {
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
