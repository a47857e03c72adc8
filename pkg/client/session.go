package client

import (
	"fmt"
	"sort"

	"pairchat/pkg/types"
)

// Snapshot is a copy of the engine's local view, safe to keep.
type Snapshot struct {
	State         ConnState
	UserID        string
	ChatID        string
	Participants  []string
	QuestionIndex int
	Ready         bool
	PeerReady     bool
	PeerOnline    bool
	Waiting       bool
	Final         bool
	Ended         bool
	EndedBy       string
	EndReason     string
	Messages      []OptimisticMessage
	HistoryCursor string
	LastError     error
}

// session is the conversation state rebuilt from pushed events. Only the
// engine loop touches it.
type session struct {
	userID        string
	chatID        string // active conversation, cleared on end
	timelineChat  string // conversation whose messages are shown
	participants  []string
	questionIndex int
	ready         bool
	peerReady     bool
	peerOnline    bool
	waiting       bool
	final         bool
	ended         bool
	endedBy       string
	endReason     string
	cursor        string
	lastErr       error
	timeline      timeline
}

// followUp tells the engine what to do after an event was applied.
type followUp struct {
	fetchHistory bool
	settled      []string
}

func (s *session) snapshot(state ConnState) Snapshot {
	return Snapshot{
		State:         state,
		UserID:        s.userID,
		ChatID:        s.chatID,
		Participants:  append([]string(nil), s.participants...),
		QuestionIndex: s.questionIndex,
		Ready:         s.ready,
		PeerReady:     s.peerReady,
		PeerOnline:    s.peerOnline,
		Waiting:       s.waiting,
		Final:         s.final,
		Ended:         s.ended,
		EndedBy:       s.endedBy,
		EndReason:     s.endReason,
		Messages:      s.timeline.snapshot(),
		HistoryCursor: s.cursor,
		LastError:     s.lastErr,
	}
}

func (s *session) startChat(chatID string, participants []string) {
	s.chatID = chatID
	s.timelineChat = chatID
	s.participants = append([]string(nil), participants...)
	s.questionIndex = 0
	s.ready, s.peerReady, s.waiting = false, false, false
	s.final, s.ended = false, false
	s.endedBy, s.endReason = "", ""
	s.cursor = ""
	s.timeline.reset()
}

func (s *session) acceptsChat(chatID string) bool {
	return s.timelineChat == "" || s.timelineChat == chatID
}

// apply folds one pushed event into local state.
func (s *session) apply(ev *types.RawEvent) (followUp, error) {
	var f followUp

	switch ev.Action {
	case types.EventCurrentState:
		var u types.UserConnection
		if err := ev.Decode(&u); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		chat := u.ActiveChatID()
		switch {
		case chat != "" && chat != s.chatID:
			s.startChat(chat, nil)
			f.fetchHistory = true
		case chat == "" && s.chatID != "":
			// Ended while this client was away.
			s.chatID = ""
			s.ended = true
			s.peerReady = false
		}
		s.ready = u.Ready
		s.waiting = u.Waiting
		s.questionIndex = u.QuestionIndex

	case types.EventConversationStarted:
		var e types.ConversationStartedEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		s.startChat(e.ChatID, e.Participants)
		s.peerOnline = true

	case types.EventConversationEnded:
		var e types.ConversationEndedEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		if s.chatID != "" && s.chatID != e.ChatID {
			return f, nil
		}
		s.chatID = ""
		s.ended = true
		s.endedBy, s.endReason = e.EndedBy, e.EndReason
		s.ready, s.peerReady, s.waiting = false, false, false

	case types.EventMessage, types.EventQueuedMessage:
		var e types.MessageEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		if !s.acceptsChat(e.ChatID) {
			return f, nil
		}
		s.timelineChat = e.ChatID
		if res := s.timeline.merge(fromEvent(e)); res.Folded != "" {
			f.settled = append(f.settled, res.Folded)
		}

	case types.EventMessageConfirmed:
		var e types.MessageConfirmedEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		if s.timeline.confirm(e.MessageID, e.SentAt) {
			f.settled = append(f.settled, e.MessageID)
		}

	case types.EventAdvanceQuestion:
		var e types.AdvanceQuestionEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		s.questionIndex = e.QuestionIndex
		s.ready, s.peerReady = false, false
		s.final = e.Final

	case types.EventReadyStatusUpdated:
		var e types.ReadyStatusUpdatedEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		if e.Peer || e.UserID != s.userID {
			s.peerReady = e.Ready
		} else {
			s.ready = e.Ready
		}

	case types.EventChatHistory:
		var e types.ChatHistoryEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		if !s.acceptsChat(e.ChatID) {
			return f, nil
		}
		s.timelineChat = e.ChatID
		for _, m := range e.Messages {
			if res := s.timeline.merge(fromEvent(m)); res.Folded != "" {
				f.settled = append(f.settled, res.Folded)
			}
		}
		s.cursor = e.LastEvaluatedKey

	case types.EventPresenceStatus, types.EventPresenceUpdated:
		var e types.PresenceEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		if e.UserID == s.userID {
			return f, nil
		}
		s.peerOnline = e.Online
		if len(s.participants) == 0 && s.chatID != "" {
			s.participants = []string{s.userID, e.UserID}
			sort.Strings(s.participants)
		}

	case types.EventQueued:
		s.waiting = true

	case types.EventError:
		var e types.ErrorEvent
		if err := ev.Decode(&e); err != nil {
			return f, fmt.Errorf("decode %s: %w", ev.Action, err)
		}
		s.lastErr = &ServerError{Code: e.Code, Message: e.Error, Action: e.Action, MessageID: e.MessageID}
		if e.Action == types.ActionSendMessage && e.MessageID != "" && s.timeline.fail(e.MessageID) {
			f.settled = append(f.settled, e.MessageID)
		}

	default:
		return f, fmt.Errorf("unknown event %q", ev.Action)
	}
	return f, nil
}

func fromEvent(e types.MessageEvent) OptimisticMessage {
	return OptimisticMessage{
		ID:        e.MessageID,
		Content:   e.Content,
		SenderID:  e.SenderID,
		Timestamp: e.SentAt,
	}
}
