package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"pairchat/internal/logging"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// sendMessage persists then delivers
// ARCHITECTURAL DISCOVERY: Persist-then-push ordering means a message whose push
// fails is still in the store, flagged queued for the recipient's next connect
func (d *Dispatcher) sendMessage(ctx context.Context, caller Caller, req *types.SendMessageRequest) error {
	ctx = logging.WithFields(ctx, logging.Fields{ChatID: req.ChatID})

	if err := requirePrincipal(caller, req.SenderID); err != nil {
		return err
	}
	sentAt, err := types.ParseSentAt(req.SentAt)
	if err != nil {
		return err
	}
	if !d.limiter.Allow(caller.UserID) {
		return ErrRateLimitExceeded
	}

	sender, err := d.store.GetUser(ctx, caller.UserID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	if !sender.Connected() || *sender.ConnectionID != caller.ConnectionID {
		return ErrConnectionMismatch
	}

	conv, err := d.store.GetConversation(ctx, req.ChatID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(caller.UserID) {
		return interfaces.ErrNotParticipant
	}
	if conv.Ended() {
		return interfaces.ErrConversationEnded
	}

	recipient, err := d.peerOf(ctx, conv, caller.UserID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}

	msg := &types.Message{
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
		SenderID:  caller.UserID,
		Content:   req.Content,
		SentAt:    sentAt,
		Queued:    !recipient.Connected(),
	}
	created, err := d.store.PutMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if created {
		if err := d.store.RecordLastMessage(ctx, conv.ChatID, types.LastMessage{Content: msg.Content, SentAt: sentAt}, d.opts.Now()); err != nil {
			return err
		}
	} else {
		// FUNCTIONAL DISCOVERY: A stored message never changes, so a retry is
		// answered with the stored copy and an id owned by the peer is refused
		stored, err := d.store.GetMessage(ctx, msg.ChatID, msg.MessageID)
		if err != nil {
			return fmt.Errorf("load duplicate message: %w", err)
		}
		if stored.SenderID != caller.UserID {
			slog.WarnContext(ctx, "message id owned by another sender", "message_id", msg.MessageID, "owner", stored.SenderID)
			return ErrMessageIDConflict
		}
		stored.Queued = msg.Queued
		msg = stored
	}

	status := types.DeliveryQueued
	if recipient.Connected() {
		status = d.deliver(ctx, recipient, types.EventMessage, types.NewMessageEvent(msg))
	}
	// A duplicate keeps whatever flag it was stored with, so it is always
	// rewritten to match this attempt.
	if !created || status.Queued() != msg.Queued {
		if err := d.store.SetMessageQueued(ctx, msg.ChatID, msg.MessageID, status.Queued()); err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
	}
	if !created {
		slog.DebugContext(ctx, "duplicate message id", "message_id", msg.MessageID, "delivery", string(status))
	}

	d.pushTo(ctx, caller.ConnectionID, types.EventMessageConfirmed, types.MessageConfirmedEvent{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		SentAt:    msg.SentAt,
		Queued:    status.Queued(),
	})
	return nil
}
