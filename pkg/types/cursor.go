package types

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a history cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid history cursor")

// Cursor is the position of the oldest message on a history page.
type Cursor struct {
	SentAt    time.Time
	MessageID string
}

// EncodeCursor renders the opaque lastEvaluatedKey for a page whose oldest
// message is m.
func EncodeCursor(m *Message) string {
	raw := m.SentAt.UTC().Format(time.RFC3339Nano) + "|" + m.MessageID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. An empty string decodes to the zero
// Cursor, meaning "start from the newest message".
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	sentAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{SentAt: sentAt.UTC(), MessageID: id}, nil
}

// IsZero reports whether the cursor points at the head of history.
func (c Cursor) IsZero() bool {
	return c.MessageID == ""
}

// Before reports whether m sorts strictly older than the cursor position.
func (c Cursor) Before(m *Message) bool {
	if c.IsZero() {
		return true
	}
	if m.SentAt.Equal(c.SentAt) {
		return m.MessageID < c.MessageID
	}
	return m.SentAt.Before(c.SentAt)
}
