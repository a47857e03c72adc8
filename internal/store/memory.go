// Package store holds the in-process Store used by tests and single-node
// development runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// Memory implements interfaces.Store over maps guarded by one mutex.
// TECHNICAL DISCOVERY: Every method holds the lock for its whole read-decide-write
// sequence, which is what makes MarkReady, Match and ClaimQueuedMessages atomic
type Memory struct {
	mu            sync.Mutex
	users         map[string]*types.UserConnection
	conversations map[string]*types.Conversation
	latest        map[string]string                    // participant -> most recent chatId
	messages      map[string]map[string]*types.Message // chatId -> messageId -> message
	waitingSince  map[string]uint64
	seq           uint64
	closed        bool
}

var _ interfaces.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*types.UserConnection),
		conversations: make(map[string]*types.Conversation),
		latest:        make(map[string]string),
		messages:      make(map[string]map[string]*types.Message),
		waitingSince:  make(map[string]uint64),
	}
}

func (m *Memory) GetUser(ctx context.Context, userID string) (*types.UserConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (m *Memory) FindUserByConnection(ctx context.Context, connectionID string) (*types.UserConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u := m.ownerOf(connectionID); u != nil {
		return u.Clone(), nil
	}
	return nil, interfaces.ErrUserNotFound
}

func (m *Memory) Connect(ctx context.Context, userID, connectionID string, now time.Time) (*types.UserConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		u = &types.UserConnection{UserID: userID, CreatedAt: now}
		m.users[userID] = u
	}
	u.ConnectionID = types.StringPtr(connectionID)
	u.LastSeen = now
	u.Ready = false
	u.ChatID = nil
	if chatID, ok := m.latest[userID]; ok {
		if conv := m.conversations[chatID]; conv != nil && !conv.Ended() {
			u.ChatID = types.StringPtr(chatID)
		}
	}
	return u.Clone(), nil
}

func (m *Memory) Disconnect(ctx context.Context, connectionID string, now time.Time) (*types.UserConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.ownerOf(connectionID)
	if u == nil {
		return nil, interfaces.ErrUserNotFound
	}
	u.ConnectionID = nil
	u.LastSeen = now
	u.Waiting = false
	delete(m.waitingSince, u.UserID)
	return u.Clone(), nil
}

func (m *Memory) GetConversation(ctx context.Context, chatID string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[chatID]
	if !ok {
		return nil, interfaces.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (m *Memory) LatestConversation(ctx context.Context, userID string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chatID, ok := m.latest[userID]
	if !ok {
		return nil, interfaces.ErrConversationNotFound
	}
	return cloneConversation(m.conversations[chatID]), nil
}

func (m *Memory) Match(ctx context.Context, userID, chatID string, now time.Time) (*types.MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	caller, ok := m.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	if caller.ActiveChatID() != "" {
		return nil, interfaces.ErrAlreadyInConversation
	}

	var peer *types.UserConnection
	var peerSeq uint64
	for id, seq := range m.waitingSince {
		if id == userID {
			continue
		}
		cand := m.users[id]
		if cand == nil || !cand.Waiting || cand.ActiveChatID() != "" {
			continue
		}
		if peer == nil || seq < peerSeq {
			peer, peerSeq = cand, seq
		}
	}

	if peer == nil {
		if !caller.Waiting {
			m.seq++
			m.waitingSince[userID] = m.seq
		}
		caller.Waiting = true
		return &types.MatchResult{Queued: true}, nil
	}

	a, b := sortedPair(userID, peer.UserID)
	conv := &types.Conversation{
		ChatID:       chatID,
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    now,
		LastUpdated:  now,
	}
	m.conversations[chatID] = conv
	m.messages[chatID] = make(map[string]*types.Message)
	for _, u := range []*types.UserConnection{caller, peer} {
		u.ChatID = types.StringPtr(chatID)
		u.Ready = false
		u.Waiting = false
		u.QuestionIndex = 0
		m.latest[u.UserID] = chatID
		delete(m.waitingSince, u.UserID)
	}
	return &types.MatchResult{Conversation: cloneConversation(conv)}, nil
}

func (m *Memory) EndConversation(ctx context.Context, chatID, endedBy, reason string, now time.Time) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[chatID]
	if !ok {
		return nil, interfaces.ErrConversationNotFound
	}
	if !conv.HasParticipant(endedBy) {
		return nil, interfaces.ErrNotParticipant
	}
	if conv.Ended() {
		return nil, interfaces.ErrConversationEnded
	}

	conv.EndedBy = types.StringPtr(endedBy)
	conv.EndReason = types.StringPtr(reason)
	conv.LastUpdated = now
	for _, id := range conv.Participants() {
		if u := m.users[id]; u != nil && u.ActiveChatID() == chatID {
			u.ChatID = nil
			u.Ready = false
			u.Waiting = false
		}
	}
	return cloneConversation(conv), nil
}

func (m *Memory) MarkReady(ctx context.Context, chatID, userID string, maxQuestionIndex int) (*types.BarrierResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[chatID]
	if !ok {
		return nil, interfaces.ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, interfaces.ErrNotParticipant
	}
	if conv.Ended() {
		return nil, interfaces.ErrConversationEnded
	}
	caller, ok := m.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	if caller.QuestionIndex >= maxQuestionIndex {
		return nil, interfaces.ErrProgressionComplete
	}

	caller.Ready = true
	peer := m.users[conv.Peer(userID)]
	if peer == nil || !peer.Ready || peer.ActiveChatID() != chatID {
		return &types.BarrierResult{QuestionIndex: caller.QuestionIndex}, nil
	}

	next := max(caller.QuestionIndex, peer.QuestionIndex) + 1
	for _, u := range []*types.UserConnection{caller, peer} {
		u.QuestionIndex = next
		u.Ready = false
	}
	return &types.BarrierResult{Advanced: true, QuestionIndex: next, PeerReady: true}, nil
}

func (m *Memory) PutMessage(ctx context.Context, message *types.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.messages[message.ChatID]
	if !ok {
		byID = make(map[string]*types.Message)
		m.messages[message.ChatID] = byID
	}
	if _, exists := byID[message.MessageID]; exists {
		return false, nil
	}
	cp := *message
	byID[message.MessageID] = &cp
	return true, nil
}

func (m *Memory) GetMessage(ctx context.Context, chatID, messageID string) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[chatID][messageID]
	if !ok {
		return nil, interfaces.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) RecordLastMessage(ctx context.Context, chatID string, last types.LastMessage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[chatID]
	if !ok {
		return interfaces.ErrConversationNotFound
	}
	if conv.Ended() {
		return interfaces.ErrConversationEnded
	}
	conv.LastMessage = &last
	conv.LastUpdated = now
	return nil
}

func (m *Memory) SetMessageQueued(ctx context.Context, chatID, messageID string, queued bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[chatID][messageID]
	if !ok {
		return interfaces.ErrMessageNotFound
	}
	msg.Queued = queued
	return nil
}

func (m *Memory) ClaimQueuedMessages(ctx context.Context, chatID, recipientID string) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []*types.Message
	for _, msg := range m.messages[chatID] {
		if !msg.Queued || msg.SenderID == recipientID {
			continue
		}
		msg.Queued = false
		cp := *msg
		claimed = append(claimed, &cp)
	}
	sortAscending(claimed)
	return claimed, nil
}

func (m *Memory) ListMessages(ctx context.Context, chatID string, limit int, cursor string) (*types.HistoryPage, error) {
	cur, err := types.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = types.NormalizeHistoryLimit(limit)

	m.mu.Lock()
	all := make([]*types.Message, 0, len(m.messages[chatID]))
	for _, msg := range m.messages[chatID] {
		if cur.Before(msg) {
			cp := *msg
			all = append(all, &cp)
		}
	}
	m.mu.Unlock()

	sortAscending(all)
	page := &types.HistoryPage{Messages: all}
	if len(all) > limit {
		page.Messages = all[len(all)-limit:]
		page.LastEvaluatedKey = types.EncodeCursor(page.Messages[0])
	}
	return page, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) ownerOf(connectionID string) *types.UserConnection {
	for _, u := range m.users {
		if u.ConnectionID != nil && *u.ConnectionID == connectionID {
			return u
		}
	}
	return nil
}

func cloneConversation(c *types.Conversation) *types.Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	if c.EndedBy != nil {
		cp.EndedBy = types.StringPtr(*c.EndedBy)
	}
	if c.EndReason != nil {
		cp.EndReason = types.StringPtr(*c.EndReason)
	}
	return &cp
}

func sortedPair(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}

func sortAscending(msgs []*types.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].MessageID < msgs[j].MessageID
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}
