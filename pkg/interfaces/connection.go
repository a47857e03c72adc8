package interfaces

// Connection represents one live client socket
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// CloseWithCode sends a close frame carrying code and reason, then closes
	CloseWithCode(code int, reason string) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the authenticated principal owning the socket
	GetUserID() string

	// GetConnectionID returns the server-assigned connection id
	GetConnectionID() string
}
