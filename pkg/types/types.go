package types

import (
	"time"
)

// DefaultMaxQuestionIndex is the prompt count of a full conversation.
const DefaultMaxQuestionIndex = 36

// UserConnection is the per-user registry record.
// FUNCTIONAL DISCOVERY: ConnectionID is nil exactly when the user has no live
// socket; QuestionIndex only moves forward through the ready barrier
type UserConnection struct {
	UserID        string    `json:"userId"`
	ConnectionID  *string   `json:"connectionId"`
	ChatID        *string   `json:"chatId"`
	Ready         bool      `json:"ready"`
	Waiting       bool      `json:"waiting"`
	QuestionIndex int       `json:"questionIndex"`
	LastSeen      time.Time `json:"lastSeen"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Connected reports whether the user currently owns a live socket.
func (u *UserConnection) Connected() bool {
	return u != nil && u.ConnectionID != nil && *u.ConnectionID != ""
}

// ActiveChatID returns the chat the user is in, or "" when unpaired.
func (u *UserConnection) ActiveChatID() string {
	if u == nil || u.ChatID == nil {
		return ""
	}
	return *u.ChatID
}

// Clone returns a deep copy safe to hand across goroutines.
func (u *UserConnection) Clone() *UserConnection {
	if u == nil {
		return nil
	}
	c := *u
	if u.ConnectionID != nil {
		id := *u.ConnectionID
		c.ConnectionID = &id
	}
	if u.ChatID != nil {
		id := *u.ChatID
		c.ChatID = &id
	}
	return &c
}

// LastMessage is the conversation preview.
type LastMessage struct {
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

// Conversation is a paired session between exactly two participants.
// ARCHITECTURAL DISCOVERY: Participants are stored sorted so the pair has a
// single canonical order regardless of who initiated the match
type Conversation struct {
	ChatID       string       `json:"chatId"`
	ParticipantA string       `json:"participantA"`
	ParticipantB string       `json:"participantB"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	LastUpdated  time.Time    `json:"lastUpdated"`
	EndedBy      *string      `json:"endedBy,omitempty"`
	EndReason    *string      `json:"endReason,omitempty"`
}

// Participants returns both participant ids in canonical order.
func (c *Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Peer returns the other participant, or "" if userID is not a member.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// Ended reports whether the conversation reached its terminal state.
func (c *Conversation) Ended() bool {
	return c.EndedBy != nil
}

// Message is a persisted chat message keyed by (ChatID, MessageID).
// FUNCTIONAL DISCOVERY: Queued is the only mutable field; it is true while the
// recipient has not had a successful push of this message
type Message struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
	Queued    bool      `json:"queued"`
}

// DeliveryStatus is the outcome of pushing one event to one connection.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryQueued    DeliveryStatus = "queued"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Queued reports whether the message must stay flagged for a later flush.
func (s DeliveryStatus) Queued() bool {
	return s != DeliveryDelivered
}

// BarrierResult is the outcome of one atomic ready-barrier operation.
type BarrierResult struct {
	Advanced      bool
	QuestionIndex int
	PeerReady     bool
}

// MatchResult is the outcome of one atomic matchmaking attempt.
type MatchResult struct {
	Conversation *Conversation
	Queued       bool
}

// HistoryPage is one page of fetched chat history in ascending time order.
type HistoryPage struct {
	Messages         []*Message
	LastEvaluatedKey string
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}
