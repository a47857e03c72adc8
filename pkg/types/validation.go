package types

import (
	"regexp"
	"strings"
	"time"
)

// MaxContentBytes bounds a single message body.
const MaxContentBytes = 4096

// History page bounds for fetchChatHistory.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// sentAt bounds; the SQLite store keys messages by UnixNano, which cannot
// represent instants past 2262.
var (
	MinSentAt = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxSentAt = time.Date(2262, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ParseSentAt accepts RFC 3339 with or without fractional seconds, within
// [MinSentAt, MaxSentAt).
func ParseSentAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, ErrInvalidSentAt
	}
	t = t.UTC()
	if t.Before(MinSentAt) || !t.Before(MaxSentAt) {
		return time.Time{}, ErrSentAtOutOfRange
	}
	return t, nil
}

func (ConnectRequest) Validate() error { return nil }

// Validate ensures the message meets all requirements
func (r *SendMessageRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return ErrInvalidChatID
	}
	if strings.TrimSpace(r.MessageID) == "" {
		return ErrInvalidMessage
	}
	if !IsValidUserID(r.SenderID) {
		return ErrInvalidUserID
	}
	if strings.TrimSpace(r.Content) == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if _, err := ParseSentAt(r.SentAt); err != nil {
		return err
	}
	return nil
}

func (r *SetReadyRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return ErrInvalidChatID
	}
	if !IsValidUserID(r.UserID) {
		return ErrInvalidUserID
	}
	return nil
}

func (r *StartConversationRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidUserID
	}
	return nil
}

// Validate leaves EndReason optional; the dispatcher fills a default.
func (r *EndConversationRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidUserID
	}
	if strings.TrimSpace(r.ChatID) == "" {
		return ErrInvalidChatID
	}
	return nil
}

func (r *GetCurrentStateRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return ErrInvalidUserID
	}
	return nil
}

func (r *FetchChatHistoryRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return ErrInvalidChatID
	}
	if r.Limit < 0 || r.Limit > MaxHistoryLimit {
		return ErrInvalidLimit
	}
	return nil
}

// NormalizeHistoryLimit maps an unset limit to the default page size and clamps
// anything above the maximum.
func NormalizeHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
