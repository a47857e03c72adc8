package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pairchat/internal/logging"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

func (d *Dispatcher) connect(ctx context.Context, caller Caller) error {
	if !types.IsValidUserID(caller.UserID) {
		return types.ErrInvalidUserID
	}
	if caller.ConnectionID == "" {
		return fmt.Errorf("%w: connection id is required", types.ErrMissingData)
	}

	now := d.opts.Now()
	user, err := d.store.Connect(ctx, caller.UserID, caller.ConnectionID, now)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	d.pushTo(ctx, caller.ConnectionID, types.EventCurrentState, user)

	conv, err := d.store.LatestConversation(ctx, caller.UserID)
	if errors.Is(err, interfaces.ErrConversationNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	ctx = logging.WithFields(ctx, logging.Fields{ChatID: conv.ChatID})

	if !conv.Ended() {
		peer, err := d.peerOf(ctx, conv, caller.UserID)
		if err != nil {
			return fmt.Errorf("load peer: %w", err)
		}
		status := types.PresenceEvent{UserID: conv.Peer(caller.UserID)}
		if peer != nil {
			status.Online = peer.Connected()
			status.LastSeen = peer.LastSeen
		}
		d.pushTo(ctx, caller.ConnectionID, types.EventPresenceStatus, status)
		d.deliver(ctx, peer, types.EventPresenceUpdated, types.PresenceEvent{
			UserID:   caller.UserID,
			Online:   true,
			LastSeen: now,
		})
	}

	// FUNCTIONAL DISCOVERY: Messages sent while offline are still owed after the
	// conversation ends, so the flush runs for the latest conversation either way
	return d.flushQueued(ctx, caller, conv.ChatID)
}

func (d *Dispatcher) flushQueued(ctx context.Context, caller Caller, chatID string) error {
	claimed, err := d.store.ClaimQueuedMessages(ctx, chatID, caller.UserID)
	if err != nil {
		return fmt.Errorf("claim queued messages: %w", err)
	}

	requeued := 0
	for _, msg := range claimed {
		status := d.pushTo(ctx, caller.ConnectionID, types.EventQueuedMessage, types.NewMessageEvent(msg))
		if !status.Queued() {
			continue
		}
		if err := d.store.SetMessageQueued(ctx, chatID, msg.MessageID, true); err != nil {
			slog.ErrorContext(ctx, "failed to re-queue message", "message_id", msg.MessageID, "error", err)
			continue
		}
		requeued++
	}
	if len(claimed) > 0 {
		slog.InfoContext(ctx, "flushed queued messages", "claimed", len(claimed), "requeued", requeued)
	}
	return nil
}

func (d *Dispatcher) disconnect(ctx context.Context, connectionID string) error {
	user, err := d.store.Disconnect(ctx, connectionID, d.opts.Now())
	if errors.Is(err, interfaces.ErrUserNotFound) {
		// replaced or already cleared
		return nil
	}
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	ctx = logging.WithFields(ctx, logging.Fields{UserID: user.UserID})

	chatID := user.ActiveChatID()
	if chatID == "" {
		return nil
	}
	conv, err := d.store.GetConversation(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	peer, err := d.peerOf(ctx, conv, user.UserID)
	if err != nil {
		return fmt.Errorf("load peer: %w", err)
	}
	d.deliver(ctx, peer, types.EventPresenceUpdated, types.PresenceEvent{
		UserID:   user.UserID,
		Online:   false,
		LastSeen: user.LastSeen,
	})
	return nil
}
