package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrMissingAction    = errors.New("envelope action is required")
	ErrUnknownAction    = errors.New("unknown action")
	ErrMissingData      = errors.New("envelope data is required")
	ErrMalformedData    = errors.New("malformed envelope data")
	ErrInvalidUserID    = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidChatID    = errors.New("chat ID is required")
	ErrInvalidMessage   = errors.New("message ID is required")
	ErrEmptyContent     = errors.New("message content cannot be empty")
	ErrContentTooLarge  = errors.New("message content exceeds 4KB limit")
	ErrInvalidSentAt    = errors.New("sentAt must be an RFC 3339 timestamp")
	ErrSentAtOutOfRange = errors.New("sentAt must fall between 1970 and 2261")
	ErrInvalidLimit     = errors.New("history limit must be between 0 and 100")
)
