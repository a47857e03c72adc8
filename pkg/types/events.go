package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names pushed to clients.
const (
	EventCurrentState        = "currentState"
	EventConversationStarted = "conversationStarted"
	EventConversationEnded   = "conversationEnded"
	EventMessage             = "message"
	EventMessageConfirmed    = "messageConfirmed"
	EventQueuedMessage       = "queuedMessage"
	EventAdvanceQuestion     = "advanceQuestion"
	EventReadyStatusUpdated  = "readyStatusUpdated"
	EventChatHistory         = "chatHistory"
	EventPresenceStatus      = "presenceStatus"
	EventPresenceUpdated     = "presenceUpdated"
	EventQueued              = "queued"
	EventError               = "error"
)

// Event is the outbound push frame.
type Event struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// RawEvent is an Event as seen by a client before its payload is decoded.
type RawEvent struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e *RawEvent) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Action)
	}
	return json.Unmarshal(e.Data, v)
}

type ConversationStartedEvent struct {
	ChatID       string    `json:"chatId"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ConversationEndedEvent struct {
	ChatID    string    `json:"chatId"`
	EndedBy   string    `json:"endedBy"`
	EndReason string    `json:"endReason"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageEvent struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
}

type MessageConfirmedEvent struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
	Queued    bool      `json:"queued"`
}

type AdvanceQuestionEvent struct {
	ChatID        string `json:"chatId"`
	QuestionIndex int    `json:"questionIndex"`
	Ready         bool   `json:"ready"`
	Final         bool   `json:"final,omitempty"`
}

type ReadyStatusUpdatedEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Ready  bool   `json:"ready"`
	Peer   bool   `json:"peer,omitempty"`
}

type ChatHistoryEvent struct {
	ChatID           string         `json:"chatId"`
	Messages         []MessageEvent `json:"messages"`
	LastEvaluatedKey string         `json:"lastEvaluatedKey,omitempty"`
}

type PresenceEvent struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

type QueuedEvent struct {
	UserID string `json:"userId"`
}

type ErrorEvent struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Action    string `json:"action,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// NewMessageEvent converts a stored message into its wire form.
func NewMessageEvent(m *Message) MessageEvent {
	return MessageEvent{
		ChatID:    m.ChatID,
		MessageID: m.MessageID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		SentAt:    m.SentAt,
	}
}
