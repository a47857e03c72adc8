package logging

import "context"

type contextKey string

const fieldsKey contextKey = "log_fields"

// Fields are structured attributes added to every log record emitted with the
// enriched context.
type Fields struct {
	UserID       string
	ConnectionID string
	ChatID       string
	Action       string
	Component    string
}

// WithFields merges fields into ctx; non-empty values in fields win.
func WithFields(ctx context.Context, fields Fields) context.Context {
	merged := FieldsFrom(ctx)
	if fields.UserID != "" {
		merged.UserID = fields.UserID
	}
	if fields.ConnectionID != "" {
		merged.ConnectionID = fields.ConnectionID
	}
	if fields.ChatID != "" {
		merged.ChatID = fields.ChatID
	}
	if fields.Action != "" {
		merged.Action = fields.Action
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, fieldsKey, merged)
}

// FieldsFrom returns the fields carried by ctx, or zero Fields.
func FieldsFrom(ctx context.Context) Fields {
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}
