package client

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pairchat/pkg/types"
)

func rawEvent(t *testing.T, action string, data any) *types.RawEvent {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return &types.RawEvent{Action: action, Data: b}
}

func newSession() *session {
	return &session{userID: "u1", timeline: timeline{window: 5 * time.Second}}
}

func mustApply(t *testing.T, s *session, action string, data any) followUp {
	t.Helper()
	f, err := s.apply(rawEvent(t, action, data))
	if err != nil {
		t.Fatalf("apply %s: %v", action, err)
	}
	return f
}

func TestSession_BarrierFlow(t *testing.T) {
	s := newSession()
	mustApply(t, s, types.EventConversationStarted, types.ConversationStartedEvent{ChatID: "c1", Participants: []string{"u1", "u2"}})

	mustApply(t, s, types.EventReadyStatusUpdated, types.ReadyStatusUpdatedEvent{ChatID: "c1", UserID: "u1", Ready: true})
	if !s.ready || s.peerReady {
		t.Fatalf("after own ready: ready=%v peer=%v", s.ready, s.peerReady)
	}
	mustApply(t, s, types.EventReadyStatusUpdated, types.ReadyStatusUpdatedEvent{ChatID: "c1", UserID: "u2", Ready: true, Peer: true})
	if !s.peerReady {
		t.Fatal("peer ready not recorded")
	}

	mustApply(t, s, types.EventAdvanceQuestion, types.AdvanceQuestionEvent{ChatID: "c1", QuestionIndex: 2})
	if s.ready || s.peerReady || s.questionIndex != 2 || s.final {
		t.Errorf("after advance: %+v", s.snapshot(StateConnected))
	}

	mustApply(t, s, types.EventAdvanceQuestion, types.AdvanceQuestionEvent{ChatID: "c1", QuestionIndex: 36, Final: true})
	if !s.final {
		t.Error("final prompt not recorded")
	}
}

func TestSession_ConversationLifecycle(t *testing.T) {
	s := newSession()
	mustApply(t, s, types.EventQueued, types.QueuedEvent{UserID: "u1"})
	if !s.waiting {
		t.Fatal("queued should mark waiting")
	}

	mustApply(t, s, types.EventConversationStarted, types.ConversationStartedEvent{ChatID: "c1", Participants: []string{"u1", "u2"}})
	if s.waiting || s.chatID != "c1" || !s.peerOnline {
		t.Fatalf("after start: %+v", s.snapshot(StateConnected))
	}

	// Ends for some other chat are ignored.
	mustApply(t, s, types.EventConversationEnded, types.ConversationEndedEvent{ChatID: "c0", EndedBy: "u2"})
	if s.ended {
		t.Fatal("end for another chat applied")
	}

	mustApply(t, s, types.EventConversationEnded, types.ConversationEndedEvent{ChatID: "c1", EndedBy: "u2", EndReason: "done"})
	snap := s.snapshot(StateConnected)
	if !snap.Ended || snap.ChatID != "" || snap.EndedBy != "u2" || snap.EndReason != "done" {
		t.Errorf("after end: %+v", snap)
	}

	// Queued messages of the ended chat still land in its timeline.
	mustApply(t, s, types.EventQueuedMessage, types.MessageEvent{ChatID: "c1", MessageID: "m9", SenderID: "u2", Content: "bye", SentAt: t0})
	if len(s.timeline.messages) != 1 {
		t.Error("queued message of the shown chat should be kept")
	}
	mustApply(t, s, types.EventMessage, types.MessageEvent{ChatID: "other", MessageID: "x", SenderID: "u3", Content: "?", SentAt: t0})
	if len(s.timeline.messages) != 1 {
		t.Error("message from another chat should be ignored")
	}
}

func TestSession_CurrentState(t *testing.T) {
	s := newSession()
	chat := "c1"

	f := mustApply(t, s, types.EventCurrentState, types.UserConnection{UserID: "u1", ChatID: &chat, QuestionIndex: 4})
	if !f.fetchHistory || s.chatID != "c1" || s.questionIndex != 4 {
		t.Fatalf("resolve chat: f=%+v snap=%+v", f, s.snapshot(StateConnected))
	}
	f = mustApply(t, s, types.EventCurrentState, types.UserConnection{UserID: "u1", ChatID: &chat, QuestionIndex: 4})
	if f.fetchHistory {
		t.Error("same chat should not refetch history")
	}

	mustApply(t, s, types.EventPresenceStatus, types.PresenceEvent{UserID: "u2", Online: false})
	if s.peerOnline || len(s.participants) != 2 || s.participants[1] != "u2" {
		t.Errorf("presence: online=%v participants=%v", s.peerOnline, s.participants)
	}

	// The chat was ended elsewhere while this client was away.
	mustApply(t, s, types.EventCurrentState, types.UserConnection{UserID: "u1"})
	if !s.ended || s.chatID != "" {
		t.Errorf("expected ended state, got %+v", s.snapshot(StateConnected))
	}
}

func TestSession_HistoryAndErrors(t *testing.T) {
	s := newSession()
	mustApply(t, s, types.EventConversationStarted, types.ConversationStartedEvent{ChatID: "c1", Participants: []string{"u1", "u2"}})
	s.timeline.add(optimistic("local", "hello", t0))

	f := mustApply(t, s, types.EventChatHistory, types.ChatHistoryEvent{
		ChatID: "c1",
		Messages: []types.MessageEvent{
			{ChatID: "c1", MessageID: "m1", SenderID: "u2", Content: "hi", SentAt: t0.Add(-time.Minute)},
			{ChatID: "c1", MessageID: "server", SenderID: "u1", Content: "hello", SentAt: t0.Add(time.Second)},
		},
		LastEvaluatedKey: "cursor-1",
	})
	if len(f.settled) != 1 || f.settled[0] != "local" {
		t.Errorf("settled = %v", f.settled)
	}
	if len(s.timeline.messages) != 2 || s.cursor != "cursor-1" {
		t.Fatalf("messages=%+v cursor=%q", s.timeline.messages, s.cursor)
	}

	s.timeline.add(optimistic("m2", "again", t0.Add(time.Minute)))
	f = mustApply(t, s, types.EventError, types.ErrorEvent{Error: "rate limited", Code: 429, Action: types.ActionSendMessage, MessageID: "m2"})
	if len(f.settled) != 1 {
		t.Error("rejected send should settle its timer")
	}
	i := s.timeline.index("m2")
	if i < 0 || !s.timeline.messages[i].IsFailed {
		t.Error("rejected send should be marked failed")
	}
	if !errors.Is(s.lastErr, ErrApplication) {
		t.Errorf("lastErr = %v, want ErrApplication", s.lastErr)
	}

	if _, err := s.apply(&types.RawEvent{Action: "mystery", Data: json.RawMessage(`{}`)}); err == nil {
		t.Error("unknown events should be reported")
	}
}
