package websocket

import (
	"log/slog"
	"sync"

	"pairchat/pkg/interfaces"
)

// Registry tracks live sockets on this node. It only needs the
// interfaces.Connection surface, so tests can register fakes.
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu           sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	byConnection map[string]interfaces.Connection
	byUser       map[string]interfaces.Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		byConnection: make(map[string]interfaces.Connection),
		byUser:       make(map[string]interfaces.Connection),
	}
}

// Register adds conn, replacing any socket the same user already holds here
// FUNCTIONAL DISCOVERY: Close existing connection asynchronously to prevent deadlock
// during registration while ensuring immediate replacement
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID, connID := conn.GetUserID(), conn.GetConnectionID()
	if userID == "" || connID == "" {
		return ErrMissingConnectionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byUser[userID]; ok && existing != conn {
		delete(r.byConnection, existing.GetConnectionID())
		go func() {
			if err := existing.CloseWithCode(CloseReplaced, "replaced by a newer connection"); err != nil {
				slog.Debug("failed to close replaced connection", "connection_id", existing.GetConnectionID(), "error", err)
			}
		}()
	}

	r.byUser[userID] = conn
	r.byConnection[connID] = conn
	return nil
}

// Unregister removes conn if it is still the registered instance
// RACE CONDITION FIX: Only removes the connection if it matches the one currently registered
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.GetConnectionID()
	if registered, ok := r.byConnection[connID]; !ok || registered != conn {
		return false
	}
	delete(r.byConnection, connID)
	if r.byUser[conn.GetUserID()] == conn {
		delete(r.byUser, conn.GetUserID())
	}
	return true
}

// Get looks a socket up by its connection id.
func (r *Registry) Get(connectionID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byConnection[connectionID]
	return conn, ok
}

// GetUserConnection returns the current socket for userID on this node.
func (r *Registry) GetUserConnection(userID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byUser[userID]
	return conn, ok
}

// CloseAll closes every registered socket with a going-away frame.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]interfaces.Connection, 0, len(r.byConnection))
	for _, c := range r.byConnection {
		conns = append(conns, c)
	}
	r.byConnection = make(map[string]interfaces.Connection)
	r.byUser = make(map[string]interfaces.Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithCode(1001, "server shutting down")
	}
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.byConnection),
		"connected_users":   len(r.byUser),
	}
}
