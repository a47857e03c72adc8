package dispatch

import (
	"context"
	"fmt"

	"pairchat/internal/logging"
	"pairchat/pkg/types"
)

// setReady runs the two-party barrier
// ARCHITECTURAL DISCOVERY: The check of the peer flag and the advance happen inside
// one Store.MarkReady call; this handler only fans out the result
func (d *Dispatcher) setReady(ctx context.Context, caller Caller, req *types.SetReadyRequest) error {
	ctx = logging.WithFields(ctx, logging.Fields{ChatID: req.ChatID})

	if err := requirePrincipal(caller, req.UserID); err != nil {
		return err
	}

	result, err := d.store.MarkReady(ctx, req.ChatID, caller.UserID, d.opts.MaxQuestionIndex)
	if err != nil {
		return err
	}

	conv, err := d.store.GetConversation(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	peer, err := d.peerOf(ctx, conv, caller.UserID)
	if err != nil {
		return fmt.Errorf("load peer: %w", err)
	}

	if result.Advanced {
		ev := types.AdvanceQuestionEvent{
			ChatID:        req.ChatID,
			QuestionIndex: result.QuestionIndex,
			Ready:         false,
			Final:         result.QuestionIndex >= d.opts.MaxQuestionIndex,
		}
		d.pushTo(ctx, caller.ConnectionID, types.EventAdvanceQuestion, ev)
		d.deliver(ctx, peer, types.EventAdvanceQuestion, ev)
		return nil
	}

	d.pushTo(ctx, caller.ConnectionID, types.EventReadyStatusUpdated, types.ReadyStatusUpdatedEvent{
		ChatID: req.ChatID,
		UserID: caller.UserID,
		Ready:  true,
	})
	d.deliver(ctx, peer, types.EventReadyStatusUpdated, types.ReadyStatusUpdatedEvent{
		ChatID: req.ChatID,
		UserID: caller.UserID,
		Ready:  true,
		Peer:   true,
	})
	return nil
}
