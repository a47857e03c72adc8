// Package client is the pairchat client sync engine: the connection state
// machine, local conversation state rebuilt from pushed events, and the
// optimistic outbox.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairchat/pkg/types"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxAuthRetries       = 3
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectInterval    = 2 * time.Second
	DefaultStatePollInterval    = 30 * time.Second
	DefaultSendTimeout          = 30 * time.Second
	DefaultFuzzyWindow          = 5 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
)

const closeNormal = 1000

// TokenSource returns a fresh credential. It is called on the first dial when
// Config.Token is empty and after every authentication close.
type TokenSource func(ctx context.Context) (string, error)

type Config struct {
	URL         string // socket endpoint, e.g. ws://localhost:8080/ws
	UserID      string
	Token       string
	TokenSource TokenSource
	Transport   Transport

	MaxAuthRetries       int
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	StatePollInterval    time.Duration
	SendTimeout          time.Duration
	FuzzyWindow          time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) setDefaults() {
	if c.Transport == nil {
		c.Transport = &WebSocketTransport{}
	}
	if c.MaxAuthRetries <= 0 {
		c.MaxAuthRetries = DefaultMaxAuthRetries
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.StatePollInterval <= 0 {
		c.StatePollInterval = DefaultStatePollInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.FuzzyWindow <= 0 {
		c.FuzzyWindow = DefaultFuzzyWindow
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine keeps one user's conversation in sync with the server.
// ARCHITECTURAL DISCOVERY: All state is owned by a single loop goroutine;
// public methods post closures into it and socket readers post frames, so
// nothing below the loop needs a lock
type Engine struct {
	cfg    Config
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	cmds    chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// loop-owned
	fsm            machine
	sess           session
	token          string
	gen            uint64
	conn           Conn
	connCancel     context.CancelFunc
	attemptCancel  context.CancelFunc
	backoff        *time.Timer
	pending        map[string]*time.Timer
	historyPending bool

	obsMu     sync.RWMutex
	stateObs  []func(ConnState)
	changeObs []func(Snapshot)

	snapMu sync.RWMutex
	snap   Snapshot
}

// New validates cfg and starts the engine loop. Call Connect to dial.
func New(cfg Config) (*Engine, error) {
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: invalid server URL %q", ErrValidation, cfg.URL)
	}
	if !types.IsValidUserID(cfg.UserID) {
		return nil, fmt.Errorf("%w: %v", ErrValidation, types.ErrInvalidUserID)
	}
	if cfg.Token == "" && cfg.TokenSource == nil {
		return nil, fmt.Errorf("%w: a token or token source is required", ErrValidation)
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "pairchat-client", "user_id", cfg.UserID),
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		fsm:     newMachine(cfg.MaxAuthRetries, cfg.MaxReconnectAttempts),
		token:   cfg.Token,
		pending: make(map[string]*time.Timer),
	}
	e.sess.userID = cfg.UserID
	e.sess.timeline.window = cfg.FuzzyWindow
	e.snap = e.sess.snapshot(StateDisconnected)

	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.stopped)
	poll := time.NewTicker(e.cfg.StatePollInterval)
	defer poll.Stop()

	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-poll.C:
			// FUNCTIONAL DISCOVERY: Pushes are best effort, so a periodic state read
			// is the reconciliation of last resort
			if e.fsm.state == StateConnected {
				if err := e.write(&types.GetCurrentStateRequest{UserID: e.cfg.UserID}); err != nil {
					e.logger.Debug("state poll failed", "error", err)
				}
			}
		case <-e.done:
			e.teardown()
			return
		}
	}
}

func (e *Engine) post(fn func()) bool {
	select {
	case e.cmds <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(fn func() error) error {
	res := make(chan error, 1)
	if !e.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-e.stopped:
		return ErrClosed
	}
}

// Connect starts dialing. From Failed it starts over with fresh retry budgets.
func (e *Engine) Connect() error {
	return e.do(func() error {
		e.transition(fsmEvent{kind: evConnect})
		return nil
	})
}

// Disconnect closes the socket and cancels any dial, backoff or token refresh.
func (e *Engine) Disconnect() error {
	return e.do(func() error {
		e.transition(fsmEvent{kind: evDisconnect})
		return nil
	})
}

// Close disconnects and stops the engine loop.
func (e *Engine) Close() error {
	e.once.Do(func() { close(e.done) })
	<-e.stopped
	return nil
}

// State returns the current connection state.
func (e *Engine) State() ConnState {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap.State
}

// Snapshot returns the latest local view.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// OnState registers fn for connection state changes. Observers run on the
// engine loop: they must not block or call engine methods synchronously.
func (e *Engine) OnState(fn func(ConnState)) {
	e.obsMu.Lock()
	e.stateObs = append(e.stateObs, fn)
	e.obsMu.Unlock()
}

// OnChange registers fn for every local state change, with the same
// restrictions as OnState.
func (e *Engine) OnChange(fn func(Snapshot)) {
	e.obsMu.Lock()
	e.changeObs = append(e.changeObs, fn)
	e.obsMu.Unlock()
}

// Send validates content, appends an optimistic entry and transmits it. The
// returned id identifies the entry even when err is a network error; such
// entries are already marked failed and can be retried.
func (e *Engine) Send(content string) (string, error) {
	var id string
	err := e.do(func() error {
		var err error
		id, err = e.send(content)
		return err
	})
	return id, err
}

// Retry removes a failed entry and sends its content again under a fresh id.
func (e *Engine) Retry(id string) (string, error) {
	var newID string
	err := e.do(func() error {
		m, ok := e.sess.timeline.removeFailed(id)
		if !ok {
			return ErrUnknownMessage
		}
		e.settle(id)
		var err error
		newID, err = e.send(m.Content)
		return err
	})
	return newID, err
}

// SetReady votes to advance to the next prompt.
func (e *Engine) SetReady() error {
	return e.do(func() error {
		if e.sess.chatID == "" {
			return ErrNoConversation
		}
		return e.write(&types.SetReadyRequest{ChatID: e.sess.chatID, UserID: e.cfg.UserID})
	})
}

// StartConversation asks to be matched with a waiting peer.
func (e *Engine) StartConversation() error {
	return e.do(func() error {
		return e.write(&types.StartConversationRequest{UserID: e.cfg.UserID})
	})
}

// EndConversation ends the active conversation for both participants.
func (e *Engine) EndConversation(reason string) error {
	return e.do(func() error {
		if e.sess.chatID == "" {
			return ErrNoConversation
		}
		return e.write(&types.EndConversationRequest{UserID: e.cfg.UserID, ChatID: e.sess.chatID, EndReason: reason})
	})
}

// FetchHistory requests the next older page of the shown conversation.
func (e *Engine) FetchHistory(limit int) error {
	return e.do(func() error {
		if e.sess.timelineChat == "" {
			return ErrNoConversation
		}
		req := &types.FetchChatHistoryRequest{ChatID: e.sess.timelineChat, Limit: limit, LastEvaluatedKey: e.sess.cursor}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return e.write(req)
	})
}

// RefreshState asks the server for the current user record.
func (e *Engine) RefreshState() error {
	return e.do(func() error {
		return e.write(&types.GetCurrentStateRequest{UserID: e.cfg.UserID})
	})
}

func (e *Engine) send(content string) (string, error) {
	if e.sess.chatID == "" {
		return "", ErrNoConversation
	}
	now := e.cfg.Now().UTC()
	req := &types.SendMessageRequest{
		ChatID:    e.sess.chatID,
		MessageID: uuid.NewString(),
		SenderID:  e.cfg.UserID,
		Content:   content,
		SentAt:    now.Format(time.RFC3339Nano),
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e.sess.timeline.add(OptimisticMessage{
		ID:           req.MessageID,
		Content:      content,
		SenderID:     e.cfg.UserID,
		Timestamp:    now,
		IsOptimistic: true,
	})
	if err := e.write(req); err != nil {
		e.sess.timeline.fail(req.MessageID)
		e.publishChange()
		return req.MessageID, err
	}

	id := req.MessageID
	e.pending[id] = time.AfterFunc(e.cfg.SendTimeout, func() {
		e.post(func() { e.expire(id) })
	})
	e.publishChange()
	return id, nil
}

func (e *Engine) expire(id string) {
	if _, ok := e.pending[id]; !ok {
		return
	}
	delete(e.pending, id)
	if e.sess.timeline.fail(id) {
		e.sess.lastErr = fmt.Errorf("%w: message %s not confirmed within %s", ErrNetwork, id, e.cfg.SendTimeout)
		e.publishChange()
	}
}

func (e *Engine) settle(id string) {
	if t, ok := e.pending[id]; ok {
		t.Stop()
		delete(e.pending, id)
	}
}

func (e *Engine) write(req types.Request) error {
	if e.conn == nil || e.fsm.state != StateConnected {
		return ErrNotConnected
	}
	env, err := types.NewEnvelope(req, e.token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
	defer cancel()
	return e.conn.Write(ctx, data)
}

func (e *Engine) transition(ev fsmEvent) {
	before := e.fsm.state
	switch e.fsm.handle(ev) {
	case effectDial:
		e.dial()
	case effectStartTimer:
		e.scheduleReconnect()
	case effectRefreshToken:
		e.refreshToken()
	case effectConnected:
		e.onConnected()
	case effectCancel:
		e.cancelAll(closeNormal, "client disconnect")
	case effectFail:
		e.cancelAll(closeNormal, "giving up")
		e.logger.Warn("connection failed permanently", "error", e.sess.lastErr)
	}
	if e.fsm.state != before {
		e.logger.Debug("connection state", "from", before.String(), "to", e.fsm.state.String())
		e.publishState()
	}
}

func (e *Engine) dial() {
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.DialTimeout)
	e.attemptCancel = cancel
	token, source := e.token, e.cfg.TokenSource

	go func() {
		defer cancel()
		if token == "" && source != nil {
			t, err := source(ctx)
			if err != nil {
				err = &CloseError{Code: HandshakeUnauthorized, Reason: "token unavailable: " + err.Error()}
				e.post(func() { e.onDialed(gen, nil, "", err) })
				return
			}
			token = t
		}
		conn, err := e.cfg.Transport.Dial(ctx, socketURL(e.cfg.URL, token))
		if !e.post(func() { e.onDialed(gen, conn, token, err) }) && conn != nil {
			_ = conn.Close(closeNormal, "engine closed")
		}
	}()
}

func (e *Engine) onDialed(gen uint64, conn Conn, token string, err error) {
	if gen != e.gen || e.fsm.state != StateConnecting {
		if conn != nil {
			go conn.Close(closeNormal, "stale attempt")
		}
		return
	}
	e.attemptCancel = nil
	if err != nil {
		e.sess.lastErr = err
		e.logger.Warn("dial failed", "error", err)
		e.transition(fsmEvent{kind: evError, code: closeCode(err)})
		return
	}

	e.token = token
	e.conn = conn
	connCtx, cancel := context.WithCancel(e.ctx)
	e.connCancel = cancel
	go e.readLoop(connCtx, gen, conn)
	e.transition(fsmEvent{kind: evOpen})
}

func (e *Engine) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			e.post(func() { e.onConnLost(gen, err) })
			return
		}
		if !e.post(func() { e.onFrame(gen, data) }) {
			return
		}
	}
}

func (e *Engine) onConnLost(gen uint64, err error) {
	if gen != e.gen || e.conn == nil {
		return
	}
	e.dropConn(closeNormal, "")
	e.sess.lastErr = err
	e.logger.Info("connection lost", "error", err)
	e.transition(fsmEvent{kind: evClose, code: closeCode(err)})
}

func (e *Engine) onFrame(gen uint64, data []byte) {
	if gen != e.gen {
		return
	}
	var ev types.RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		e.logger.Warn("undecodable frame", "error", err)
		return
	}
	f, err := e.sess.apply(&ev)
	if err != nil {
		e.logger.Warn("event ignored", "action", ev.Action, "error", err)
		return
	}
	for _, id := range f.settled {
		e.settle(id)
	}
	if ev.Action == types.EventCurrentState && (f.fetchHistory || e.historyPending) && e.sess.chatID != "" {
		e.historyPending = false
		req := &types.FetchChatHistoryRequest{ChatID: e.sess.chatID, Limit: types.DefaultHistoryLimit}
		if err := e.write(req); err != nil {
			e.logger.Debug("history fetch failed", "error", err)
		}
	}
	e.publishChange()
}

func (e *Engine) onConnected() {
	e.historyPending = true
	if err := e.write(&types.GetCurrentStateRequest{UserID: e.cfg.UserID}); err != nil {
		e.logger.Debug("initial state request failed", "error", err)
	}
}

func (e *Engine) scheduleReconnect() {
	gen := e.gen
	e.backoff = time.AfterFunc(e.cfg.ReconnectInterval, func() {
		e.post(func() {
			if gen == e.gen {
				e.transition(fsmEvent{kind: evTimerFired})
			}
		})
	})
}

func (e *Engine) refreshToken() {
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.DialTimeout)
	e.attemptCancel = cancel
	source, current := e.cfg.TokenSource, e.token

	go func() {
		defer cancel()
		if source == nil {
			e.post(func() { e.onToken(gen, current, nil) })
			return
		}
		token, err := source(ctx)
		e.post(func() { e.onToken(gen, token, err) })
	}()
}

func (e *Engine) onToken(gen uint64, token string, err error) {
	if gen != e.gen {
		return
	}
	e.attemptCancel = nil
	if err != nil || token == "" {
		e.sess.lastErr = fmt.Errorf("%w: token refresh: %v", ErrAuthentication, err)
		e.transition(fsmEvent{kind: evTokenFailed})
		return
	}
	e.token = token
	e.transition(fsmEvent{kind: evTokenReady})
}

// cancelAll invalidates every outstanding attempt, timer and socket.
func (e *Engine) cancelAll(code int, reason string) {
	e.gen++
	if e.attemptCancel != nil {
		e.attemptCancel()
		e.attemptCancel = nil
	}
	if e.backoff != nil {
		e.backoff.Stop()
		e.backoff = nil
	}
	e.dropConn(code, reason)
}

func (e *Engine) dropConn(code int, reason string) {
	if e.connCancel != nil {
		e.connCancel()
		e.connCancel = nil
	}
	if e.conn != nil {
		conn := e.conn
		e.conn = nil
		go conn.Close(code, reason)
	}
}

func (e *Engine) teardown() {
	e.cancelAll(closeNormal, "client closed")
	for id, t := range e.pending {
		t.Stop()
		delete(e.pending, id)
	}
	e.fsm.state = StateDisconnected
	e.cancel()

	e.snapMu.Lock()
	e.snap = e.sess.snapshot(StateDisconnected)
	e.snapMu.Unlock()
}

func (e *Engine) publishState() {
	state := e.fsm.state
	e.obsMu.RLock()
	observers := slices.Clone(e.stateObs)
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(state)
	}
	e.publishChange()
}

func (e *Engine) publishChange() {
	snap := e.sess.snapshot(e.fsm.state)
	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()

	e.obsMu.RLock()
	observers := slices.Clone(e.changeObs)
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(snap)
	}
}

func socketURL(base, token string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
