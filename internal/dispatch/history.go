package dispatch

import (
	"context"

	"pairchat/internal/logging"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

func (d *Dispatcher) fetchChatHistory(ctx context.Context, caller Caller, req *types.FetchChatHistoryRequest) error {
	ctx = logging.WithFields(ctx, logging.Fields{ChatID: req.ChatID})

	page, err := d.History(ctx, caller.UserID, req.ChatID, req.Limit, req.LastEvaluatedKey)
	if err != nil {
		return err
	}

	ev := types.ChatHistoryEvent{
		ChatID:           req.ChatID,
		Messages:         make([]types.MessageEvent, 0, len(page.Messages)),
		LastEvaluatedKey: page.LastEvaluatedKey,
	}
	for _, m := range page.Messages {
		ev.Messages = append(ev.Messages, types.NewMessageEvent(m))
	}
	d.pushTo(ctx, caller.ConnectionID, types.EventChatHistory, ev)
	return nil
}

// History returns one page of chatID for a participant, oldest message first
// within the page; successive cursors walk back in time.
func (d *Dispatcher) History(ctx context.Context, userID, chatID string, limit int, cursor string) (*types.HistoryPage, error) {
	if limit < 0 || limit > types.MaxHistoryLimit {
		return nil, types.ErrInvalidLimit
	}
	conv, err := d.store.GetConversation(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, interfaces.ErrNotParticipant
	}
	return d.store.ListMessages(ctx, chatID, limit, cursor)
}
