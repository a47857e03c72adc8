package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"pairchat/internal/logging"
	"pairchat/pkg/types"
)

func (d *Dispatcher) startConversation(ctx context.Context, caller Caller, req *types.StartConversationRequest) error {
	if err := requirePrincipal(caller, req.UserID); err != nil {
		return err
	}

	result, err := d.store.Match(ctx, caller.UserID, d.opts.NewChatID(), d.opts.Now())
	if err != nil {
		return err
	}
	if result.Queued {
		d.pushTo(ctx, caller.ConnectionID, types.EventQueued, types.QueuedEvent{UserID: caller.UserID})
		return nil
	}

	conv := result.Conversation
	ctx = logging.WithFields(ctx, logging.Fields{ChatID: conv.ChatID})
	slog.InfoContext(ctx, "conversation started", "participants", conv.Participants())

	ev := types.ConversationStartedEvent{
		ChatID:       conv.ChatID,
		Participants: conv.Participants(),
		CreatedAt:    conv.CreatedAt,
	}
	d.pushTo(ctx, caller.ConnectionID, types.EventConversationStarted, ev)

	peer, err := d.peerOf(ctx, conv, caller.UserID)
	if err != nil {
		return fmt.Errorf("load peer: %w", err)
	}
	d.deliver(ctx, peer, types.EventConversationStarted, ev)
	return nil
}

func (d *Dispatcher) endConversation(ctx context.Context, caller Caller, req *types.EndConversationRequest) error {
	ctx = logging.WithFields(ctx, logging.Fields{ChatID: req.ChatID})

	if err := requirePrincipal(caller, req.UserID); err != nil {
		return err
	}
	reason := strings.TrimSpace(req.EndReason)
	if reason == "" {
		reason = DefaultEndReason
	}

	conv, err := d.store.EndConversation(ctx, req.ChatID, caller.UserID, reason, d.opts.Now())
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "conversation ended", "reason", reason)

	ev := types.ConversationEndedEvent{
		ChatID:    conv.ChatID,
		EndedBy:   caller.UserID,
		EndReason: reason,
		Timestamp: conv.LastUpdated,
	}
	peer, err := d.peerOf(ctx, conv, caller.UserID)
	if err != nil {
		return fmt.Errorf("load peer: %w", err)
	}
	d.deliver(ctx, peer, types.EventConversationEnded, ev)
	d.pushTo(ctx, caller.ConnectionID, types.EventConversationEnded, ev)
	return nil
}

func (d *Dispatcher) getCurrentState(ctx context.Context, caller Caller, req *types.GetCurrentStateRequest) error {
	if err := requirePrincipal(caller, req.UserID); err != nil {
		return err
	}
	user, err := d.CurrentState(ctx, caller.UserID)
	if err != nil {
		return err
	}
	d.pushTo(ctx, caller.ConnectionID, types.EventCurrentState, user)
	return nil
}

// CurrentState is the read behind getCurrentState, shared with the REST surface.
func (d *Dispatcher) CurrentState(ctx context.Context, userID string) (*types.UserConnection, error) {
	return d.store.GetUser(ctx, userID)
}
