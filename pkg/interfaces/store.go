package interfaces

import (
	"context"
	"time"

	"pairchat/pkg/types"
)

// Store is the only state shared between dispatcher invocations.
// ARCHITECTURAL DISCOVERY: Every operation that reads one record to decide how to
// write another is a single atomic method here, so no handler does read-then-write
type Store interface {
	// GetUser returns the user's connection record or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*types.UserConnection, error)

	// FindUserByConnection returns the record owning connectionID or ErrUserNotFound.
	FindUserByConnection(ctx context.Context, connectionID string) (*types.UserConnection, error)

	// Connect upserts the record for a new live socket: stamps connection and
	// lastSeen, resets ready, and resolves chatId from the participant index
	// (only a conversation that has not ended counts as active).
	Connect(ctx context.Context, userID, connectionID string, now time.Time) (*types.UserConnection, error)

	// Disconnect clears the connection id of whoever still owns connectionID.
	// FUNCTIONAL DISCOVERY: Conditional on the id matching so a late close of a
	// replaced socket never detaches the newer one
	Disconnect(ctx context.Context, connectionID string, now time.Time) (*types.UserConnection, error)

	// GetConversation returns the conversation or ErrConversationNotFound.
	GetConversation(ctx context.Context, chatID string) (*types.Conversation, error)

	// LatestConversation follows the participant index to the user's most
	// recent conversation, ended or not.
	LatestConversation(ctx context.Context, userID string) (*types.Conversation, error)

	// Match pairs userID with another waiting user under chatID, or marks the
	// caller waiting when nobody compatible is queued.
	Match(ctx context.Context, userID, chatID string, now time.Time) (*types.MatchResult, error)

	// EndConversation makes the conversation terminal and detaches both
	// participants from it.
	EndConversation(ctx context.Context, chatID, endedBy, reason string, now time.Time) (*types.Conversation, error)

	// MarkReady sets the caller ready and, if the peer is ready at write time,
	// advances both question indexes and clears both flags in the same step.
	MarkReady(ctx context.Context, chatID, userID string, maxQuestionIndex int) (*types.BarrierResult, error)

	// PutMessage inserts the message; an existing (chatId, messageId) is left
	// untouched and reported with created=false.
	PutMessage(ctx context.Context, message *types.Message) (created bool, err error)

	// GetMessage returns the stored copy of (chatID, messageID).
	GetMessage(ctx context.Context, chatID, messageID string) (*types.Message, error)

	// RecordLastMessage updates the conversation preview unless it has ended.
	RecordLastMessage(ctx context.Context, chatID string, last types.LastMessage, now time.Time) error

	// SetMessageQueued records the outcome of a delivery attempt.
	SetMessageQueued(ctx context.Context, chatID, messageID string, queued bool) error

	// ClaimQueuedMessages flips every queued message addressed to recipientID
	// in chatID to delivered and returns them oldest first. A message is claimed
	// by at most one caller.
	ClaimQueuedMessages(ctx context.Context, chatID, recipientID string) ([]*types.Message, error)

	// ListMessages pages backwards from the newest message; cursor is the
	// LastEvaluatedKey of the previous page.
	ListMessages(ctx context.Context, chatID string, limit int, cursor string) (*types.HistoryPage, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources.
	Close() error
}
