package interfaces

import (
	"context"

	"pairchat/pkg/types"
)

// PushChannel delivers one event to one live connection.
// FUNCTIONAL DISCOVERY: Push returns ErrConnectionGone for a stale connection so
// callers can degrade the delivery to queued instead of retrying
type PushChannel interface {
	Push(ctx context.Context, connectionID string, event types.Event) error
}

// PushFunc adapts a plain function to PushChannel.
type PushFunc func(ctx context.Context, connectionID string, event types.Event) error

func (f PushFunc) Push(ctx context.Context, connectionID string, event types.Event) error {
	return f(ctx, connectionID, event)
}
