package websocket

import (
	"context"
	"errors"
	"fmt"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// LocalPush delivers events to sockets held by this node's registry.
type LocalPush struct {
	registry *Registry
}

var _ interfaces.PushChannel = (*LocalPush)(nil)

func NewLocalPush(registry *Registry) *LocalPush {
	return &LocalPush{registry: registry}
}

// Push writes ev to connectionID. A socket that is unknown here or already
// closed is reported as interfaces.ErrConnectionGone.
func (p *LocalPush) Push(ctx context.Context, connectionID string, ev types.Event) error {
	conn, ok := p.registry.Get(connectionID)
	if !ok {
		return interfaces.ErrConnectionGone
	}
	err := conn.WriteJSON(ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConnectionClosed):
		return interfaces.ErrConnectionGone
	default:
		return fmt.Errorf("push %s: %w", ev.Action, err)
	}
}

// Holds reports whether connectionID is registered on this node.
func (p *LocalPush) Holds(connectionID string) bool {
	_, ok := p.registry.Get(connectionID)
	return ok
}
