package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pairchat/internal/dispatch"
	"pairchat/internal/logging"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

const component = "pairchat.websocket"

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Allow all origins for development
		// Production deployments should implement stricter origin checking
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Dispatcher is the slice of dispatch.Dispatcher the socket layer drives.
type Dispatcher interface {
	Connect(ctx context.Context, caller dispatch.Caller) error
	Dispatch(ctx context.Context, caller dispatch.Caller, req types.Request) error
	Reject(ctx context.Context, caller dispatch.Caller, action string, err error)
	Disconnect(ctx context.Context, connectionID string) error
}

// IDSource mints server-side connection ids.
type IDSource interface {
	ConnectionID() string
}

// Tracker is told when a socket attaches to or leaves this node, so a
// cross-node relay can route pushes to it.
type Tracker interface {
	Track(ctx context.Context, connectionID string) error
	Untrack(ctx context.Context, connectionID string) error
}

// HandlerConfig tunes socket handling. Zero durations take defaults.
type HandlerConfig struct {
	// RequireMessageToken rejects envelopes that carry no token. When false a
	// token is still verified if present.
	RequireMessageToken bool
	PingInterval        time.Duration
	ReadTimeout         time.Duration
	MaxMessageBytes     int64
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 * 1024
	}
	return c
}

// Handler authenticates socket upgrades and pumps envelopes into the dispatcher
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	verifier   interfaces.Verifier
	ids        IDSource
	tracker    Tracker
	cfg        HandlerConfig
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, dispatcher Dispatcher, verifier interfaces.Verifier, ids IDSource, cfg HandlerConfig) *Handler {
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		verifier:   verifier,
		ids:        ids,
		cfg:        cfg.withDefaults(),
	}
}

// SetTracker installs a cross-node tracker. Must be called before serving.
func (h *Handler) SetTracker(t Tracker) {
	h.tracker = t
}

// HandleWebSocket serves GET /ws?token=...
// ARCHITECTURAL DISCOVERY: The token is verified before the upgrade so a bad
// credential gets a plain HTTP 401 instead of an open socket
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "invalid principal", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err, "component", component)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	wsConn := NewConnection(conn, userID, h.ids.ConnectionID())
	caller := dispatch.Caller{UserID: userID, ConnectionID: wsConn.GetConnectionID()}

	// FUNCTIONAL DISCOVERY: The request context ends with ServeHTTP, so the
	// connection keeps its values but not its cancellation
	ctx := logging.WithFields(context.WithoutCancel(r.Context()), logging.Fields{
		UserID:       caller.UserID,
		ConnectionID: caller.ConnectionID,
		Component:    component,
	})

	if err := h.registry.Register(wsConn); err != nil {
		slog.ErrorContext(ctx, "failed to register connection", "error", err)
		_ = wsConn.Close()
		return
	}
	if h.tracker != nil {
		if err := h.tracker.Track(ctx, caller.ConnectionID); err != nil {
			slog.WarnContext(ctx, "failed to track connection", "error", err)
		}
	}
	slog.InfoContext(ctx, "socket connected")

	if err := h.dispatcher.Connect(ctx, caller); err != nil {
		// The error event has already been pushed; the socket stays usable.
		slog.WarnContext(ctx, "connect handling failed", "error", err)
	}

	go h.handleConnection(ctx, wsConn, caller)
}

// TokenFromRequest reads the token query parameter, falling back to a bearer
// Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: Envelopes from one socket are dispatched in order on
// the read goroutine; the dispatcher itself holds no per-socket state
func (h *Handler) handleConnection(ctx context.Context, conn *Connection, caller dispatch.Caller) {
	defer h.cleanup(ctx, conn)

	// TECHNICAL DISCOVERY: read deadline at twice the ping interval keeps
	// dead peers from holding registry slots
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, CloseReplaced) {
				slog.DebugContext(ctx, "socket read ended", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !h.handleFrame(ctx, conn, caller, data) {
			return
		}
	}
}

// handleFrame processes one inbound envelope. It returns false when the socket
// must be closed.
func (h *Handler) handleFrame(ctx context.Context, conn *Connection, caller dispatch.Caller, data []byte) bool {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.dispatcher.Reject(ctx, caller, "", types.ErrMalformedData)
		return true
	}

	if env.Token != "" || h.cfg.RequireMessageToken {
		if err := h.checkToken(ctx, caller, env.Token); err != nil {
			h.dispatcher.Reject(ctx, caller, env.Action, err)
			_ = conn.CloseWithCode(CloseAuthInvalid, "invalid token")
			return false
		}
	}

	req, err := types.ParseRequest(&env)
	if err != nil {
		h.dispatcher.Reject(ctx, caller, env.Action, err)
		return true
	}
	_ = h.dispatcher.Dispatch(ctx, caller, req)
	return true
}

func (h *Handler) checkToken(ctx context.Context, caller dispatch.Caller, token string) error {
	if token == "" {
		return interfaces.ErrAuthInvalid
	}
	principal, err := h.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, interfaces.ErrAuthInvalid) {
			slog.ErrorContext(ctx, "token verification failed", "error", err)
		}
		return interfaces.ErrAuthInvalid
	}
	if principal != caller.UserID {
		return interfaces.ErrAuthInvalid
	}
	return nil
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) cleanup(ctx context.Context, conn *Connection) {
	h.registry.Unregister(conn)
	_ = conn.Close()

	if h.tracker != nil {
		if err := h.tracker.Untrack(ctx, conn.GetConnectionID()); err != nil {
			slog.WarnContext(ctx, "failed to untrack connection", "error", err)
		}
	}
	// Disconnect is conditional on the store still naming this socket, so a
	// replaced connection leaves the newer one intact.
	if err := h.dispatcher.Disconnect(ctx, conn.GetConnectionID()); err != nil {
		slog.WarnContext(ctx, "disconnect handling failed", "error", err)
	}
	slog.InfoContext(ctx, "socket disconnected")
}
