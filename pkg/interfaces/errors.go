package interfaces

import (
	"errors"

	"pairchat/pkg/types"
)

// Common interface errors used across components
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationEnded     = errors.New("conversation has ended")
	ErrNotParticipant        = errors.New("user is not a participant of this conversation")
	ErrAlreadyInConversation = errors.New("user already has an active conversation")
	ErrProgressionComplete   = errors.New("conversation already reached the final prompt")
	ErrMessageNotFound       = errors.New("message not found")
	ErrInvalidCursor         = types.ErrInvalidCursor
	ErrConnectionGone        = errors.New("connection gone")
	ErrAuthInvalid           = errors.New("authentication token invalid")
	ErrUnauthorized          = errors.New("unauthorized access")
)
