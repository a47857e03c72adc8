package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrMissingConnectionID = errors.New("connection must carry a user and connection id before registration")
)

// Handler-related errors
var (
	ErrMissingToken = errors.New("missing bearer token")
)
