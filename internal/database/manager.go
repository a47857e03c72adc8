package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "pairchat/pkg/database"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// Manager implements interfaces.Store on SQLite
// ARCHITECTURAL DISCOVERY: Every mutating Store operation runs as one transaction
// on the single writer goroutine, so conditional updates never interleave
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.Store = (*Manager)(nil)

type writeOperation struct {
	ctx       context.Context
	operation func(*sql.Tx) error
	result    chan error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewManager opens the database and starts the writer goroutine. Migrations are
// applied by the caller.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := m.runTx(op)
			// FUNCTIONAL DISCOVERY: Only lock contention is retried; domain rejections
			// such as an ended conversation are final on the first attempt
			if isBusy(err) {
				slog.WarnContext(op.ctx, "database write busy, retrying",
					"error", err, "delay", m.config.WriteRetryDelay)
				time.Sleep(m.config.WriteRetryDelay)
				err = m.runTx(op)
				if err != nil {
					slog.ErrorContext(op.ctx, "database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			slog.Debug("database write loop shutting down")
			return
		}
	}
}

func (m *Manager) runTx(op writeOperation) error {
	tx, err := m.db.BeginTx(op.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := op.operation(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// executeWrite queues a transactional write and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.Tx) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	op := writeOperation{ctx: ctx, operation: operation, result: result}

	select {
	case m.writeChannel <- op:
	case <-time.After(m.config.WriteTimeout):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-result
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

const userColumns = `user_id, connection_id, chat_id, ready, waiting, question_index, last_seen, created_at`

const conversationColumns = `chat_id, participant_a, participant_b, created_at,
	last_message_content, last_message_sent_at, last_updated, ended_by, end_reason`

const messageColumns = `chat_id, message_id, sender_id, content, sent_at, queued`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*types.UserConnection, error) {
	var u types.UserConnection
	var connID, chatID sql.NullString
	err := row.Scan(&u.UserID, &connID, &chatID, &u.Ready, &u.Waiting, &u.QuestionIndex, &u.LastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if connID.Valid {
		u.ConnectionID = &connID.String
	}
	if chatID.Valid {
		u.ChatID = &chatID.String
	}
	return &u, nil
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var c types.Conversation
	var lastContent, endedBy, endReason sql.NullString
	var lastSentAt sql.NullTime
	err := row.Scan(&c.ChatID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt,
		&lastContent, &lastSentAt, &c.LastUpdated, &endedBy, &endReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if lastContent.Valid {
		c.LastMessage = &types.LastMessage{Content: lastContent.String, SentAt: lastSentAt.Time}
	}
	if endedBy.Valid {
		c.EndedBy = &endedBy.String
	}
	if endReason.Valid {
		c.EndReason = &endReason.String
	}
	return &c, nil
}

func scanMessages(rows *sql.Rows) ([]*types.Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var msg types.Message
		var sentAt int64
		if err := rows.Scan(&msg.ChatID, &msg.MessageID, &msg.SenderID, &msg.Content, &sentAt, &msg.Queued); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.SentAt = time.Unix(0, sentAt).UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

func getUser(ctx context.Context, q querier, userID string) (*types.UserConnection, error) {
	return scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID))
}

func getUserByConnection(ctx context.Context, q querier, connectionID string) (*types.UserConnection, error) {
	return scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE connection_id = ?`, connectionID))
}

func getConversation(ctx context.Context, q querier, chatID string) (*types.Conversation, error) {
	return scanConversation(q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE chat_id = ?`, chatID))
}

// latestConversation walks the participant index; rowid breaks created_at ties
// in insertion order.
func latestConversation(ctx context.Context, q querier, userID string) (*types.Conversation, error) {
	return scanConversation(q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, userID, userID))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (m *Manager) GetUser(ctx context.Context, userID string) (*types.UserConnection, error) {
	return getUser(ctx, m.db, userID)
}

func (m *Manager) FindUserByConnection(ctx context.Context, connectionID string) (*types.UserConnection, error) {
	return getUserByConnection(ctx, m.db, connectionID)
}

func (m *Manager) Connect(ctx context.Context, userID, connectionID string, now time.Time) (*types.UserConnection, error) {
	now = now.UTC()
	var user *types.UserConnection
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		var chatID string
		conv, err := latestConversation(ctx, tx, userID)
		switch {
		case err == nil && !conv.Ended():
			chatID = conv.ChatID
		case err != nil && !errors.Is(err, interfaces.ErrConversationNotFound):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (user_id, connection_id, chat_id, ready, waiting, question_index, last_seen, created_at)
			VALUES (?, ?, ?, 0, 0, 0, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				connection_id = excluded.connection_id,
				chat_id = excluded.chat_id,
				ready = 0,
				last_seen = excluded.last_seen`,
			userID, connectionID, nullString(chatID), now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}

		user, err = getUser(ctx, tx, userID)
		return err
	})
	return user, err
}

func (m *Manager) Disconnect(ctx context.Context, connectionID string, now time.Time) (*types.UserConnection, error) {
	now = now.UTC()
	var user *types.UserConnection
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		owner, err := getUserByConnection(ctx, tx, connectionID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET connection_id = NULL, last_seen = ?, waiting = 0, waiting_since = NULL
			WHERE user_id = ? AND connection_id = ?`,
			now, owner.UserID, connectionID)
		if err != nil {
			return fmt.Errorf("failed to clear connection: %w", err)
		}
		user, err = getUser(ctx, tx, owner.UserID)
		return err
	})
	return user, err
}

func (m *Manager) GetConversation(ctx context.Context, chatID string) (*types.Conversation, error) {
	return getConversation(ctx, m.db, chatID)
}

func (m *Manager) LatestConversation(ctx context.Context, userID string) (*types.Conversation, error) {
	return latestConversation(ctx, m.db, userID)
}

func (m *Manager) Match(ctx context.Context, userID, chatID string, now time.Time) (*types.MatchResult, error) {
	now = now.UTC()
	var result *types.MatchResult
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		caller, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if caller.ActiveChatID() != "" {
			return interfaces.ErrAlreadyInConversation
		}

		var peerID string
		err = tx.QueryRowContext(ctx, `
			SELECT user_id FROM users
			WHERE waiting = 1 AND chat_id IS NULL AND user_id != ?
			ORDER BY waiting_since ASC
			LIMIT 1`, userID).Scan(&peerID)
		if errors.Is(err, sql.ErrNoRows) {
			// FUNCTIONAL DISCOVERY: waiting_since is a queue sequence, kept on repeat
			// requests so a retrying user does not lose their place
			_, err = tx.ExecContext(ctx, `
				UPDATE users
				SET waiting = 1,
				    waiting_since = COALESCE(waiting_since, (SELECT COALESCE(MAX(waiting_since), 0) + 1 FROM users))
				WHERE user_id = ?`, userID)
			if err != nil {
				return fmt.Errorf("failed to enqueue user: %w", err)
			}
			result = &types.MatchResult{Queued: true}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find waiting user: %w", err)
		}

		a, b := userID, peerID
		if b < a {
			a, b = b, a
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (chat_id, participant_a, participant_b, created_at, last_updated)
			VALUES (?, ?, ?, ?, ?)`, chatID, a, b, now, now); err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET chat_id = ?, ready = 0, waiting = 0, waiting_since = NULL, question_index = 0
			WHERE user_id IN (?, ?)`, chatID, a, b); err != nil {
			return fmt.Errorf("failed to attach participants: %w", err)
		}

		conv, err := getConversation(ctx, tx, chatID)
		if err != nil {
			return err
		}
		result = &types.MatchResult{Conversation: conv}
		return nil
	})
	return result, err
}

func (m *Manager) EndConversation(ctx context.Context, chatID, endedBy, reason string, now time.Time) (*types.Conversation, error) {
	now = now.UTC()
	var ended *types.Conversation
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(endedBy) {
			return interfaces.ErrNotParticipant
		}
		if conv.Ended() {
			return interfaces.ErrConversationEnded
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET ended_by = ?, end_reason = ?, last_updated = ?
			WHERE chat_id = ? AND ended_by IS NULL`,
			endedBy, reason, now, chatID); err != nil {
			return fmt.Errorf("failed to end conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET chat_id = NULL, ready = 0, waiting = 0, waiting_since = NULL
			WHERE chat_id = ? AND user_id IN (?, ?)`,
			chatID, conv.ParticipantA, conv.ParticipantB); err != nil {
			return fmt.Errorf("failed to detach participants: %w", err)
		}

		ended, err = getConversation(ctx, tx, chatID)
		return err
	})
	return ended, err
}

func (m *Manager) MarkReady(ctx context.Context, chatID, userID string, maxQuestionIndex int) (*types.BarrierResult, error) {
	var result *types.BarrierResult
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return interfaces.ErrNotParticipant
		}
		if conv.Ended() {
			return interfaces.ErrConversationEnded
		}
		caller, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if caller.QuestionIndex >= maxQuestionIndex {
			return interfaces.ErrProgressionComplete
		}

		if _, err := tx.ExecContext(ctx, `UPDATE users SET ready = 1 WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to mark ready: %w", err)
		}

		peer, err := getUser(ctx, tx, conv.Peer(userID))
		if err != nil && !errors.Is(err, interfaces.ErrUserNotFound) {
			return err
		}
		if peer == nil || !peer.Ready || peer.ActiveChatID() != chatID {
			result = &types.BarrierResult{QuestionIndex: caller.QuestionIndex}
			return nil
		}

		next := max(caller.QuestionIndex, peer.QuestionIndex) + 1
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET question_index = ?, ready = 0
			WHERE user_id IN (?, ?)`, next, userID, peer.UserID); err != nil {
			return fmt.Errorf("failed to advance question: %w", err)
		}
		result = &types.BarrierResult{Advanced: true, QuestionIndex: next, PeerReady: true}
		return nil
	})
	return result, err
}

func (m *Manager) PutMessage(ctx context.Context, message *types.Message) (bool, error) {
	var created bool
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, message_id) DO NOTHING`,
			message.ChatID, message.MessageID, message.SenderID, message.Content,
			message.SentAt.UnixNano(), message.Queued)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	return created, err
}

func (m *Manager) GetMessage(ctx context.Context, chatID, messageID string) (*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, interfaces.ErrMessageNotFound
	}
	return messages[0], nil
}

func (m *Manager) RecordLastMessage(ctx context.Context, chatID string, last types.LastMessage, now time.Time) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if conv.Ended() {
			return interfaces.ErrConversationEnded
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message_content = ?, last_message_sent_at = ?, last_updated = ?
			WHERE chat_id = ? AND ended_by IS NULL`,
			last.Content, last.SentAt.UTC(), now.UTC(), chatID)
		if err != nil {
			return fmt.Errorf("failed to update last message: %w", err)
		}
		return nil
	})
}

func (m *Manager) SetMessageQueued(ctx context.Context, chatID, messageID string, queued bool) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET queued = ? WHERE chat_id = ? AND message_id = ?`,
			queued, chatID, messageID)
		if err != nil {
			return fmt.Errorf("failed to update queued flag: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return interfaces.ErrMessageNotFound
		}
		return nil
	})
}

func (m *Manager) ClaimQueuedMessages(ctx context.Context, chatID, recipientID string) ([]*types.Message, error) {
	var claimed []*types.Message
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ? AND queued = 1 AND sender_id != ?
			ORDER BY sent_at ASC, message_id ASC`, chatID, recipientID)
		if err != nil {
			return fmt.Errorf("failed to query queued messages: %w", err)
		}
		claimed, err = scanMessages(rows)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET queued = 0
			WHERE chat_id = ? AND queued = 1 AND sender_id != ?`, chatID, recipientID); err != nil {
			return fmt.Errorf("failed to claim queued messages: %w", err)
		}
		for _, msg := range claimed {
			msg.Queued = false
		}
		return nil
	})
	return claimed, err
}

func (m *Manager) ListMessages(ctx context.Context, chatID string, limit int, cursor string) (*types.HistoryPage, error) {
	cur, err := types.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = types.NormalizeHistoryLimit(limit)

	var rows *sql.Rows
	if cur.IsZero() {
		rows, err = m.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ?
			ORDER BY sent_at DESC, message_id DESC
			LIMIT ?`, chatID, limit+1)
	} else {
		ts := cur.SentAt.UnixNano()
		rows, err = m.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ? AND (sent_at < ? OR (sent_at = ? AND message_id < ?))
			ORDER BY sent_at DESC, message_id DESC
			LIMIT ?`, chatID, ts, ts, cur.MessageID, limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	newestFirst, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	page := &types.HistoryPage{}
	if len(newestFirst) > limit {
		newestFirst = newestFirst[:limit]
		page.LastEvaluatedKey = types.EncodeCursor(newestFirst[limit-1])
	}
	page.Messages = make([]*types.Message, len(newestFirst))
	for i, msg := range newestFirst {
		page.Messages[len(newestFirst)-1-i] = msg
	}
	return page, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
