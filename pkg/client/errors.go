package client

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by the engine wraps exactly one of these.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNetwork        = errors.New("network error")
	ErrApplication    = errors.New("request rejected by server")
	ErrValidation     = errors.New("invalid request")
)

var (
	ErrClosed         = errors.New("engine closed")
	ErrNotConnected   = fmt.Errorf("%w: not connected", ErrNetwork)
	ErrNoConversation = fmt.Errorf("%w: no active conversation", ErrValidation)
	ErrUnknownMessage = fmt.Errorf("%w: no failed message with that id", ErrValidation)
)

// Close codes the server uses for credential failures. HandshakeUnauthorized
// stands in for an HTTP 401 on the upgrade request.
const (
	CloseAuthInvalid      = 4001
	CloseReplaced         = 4002
	CloseAuthExpired      = 4003
	HandshakeUnauthorized = 401
)

// IsAuthClose reports whether code means the credential was refused.
func IsAuthClose(code int) bool {
	switch code {
	case CloseAuthInvalid, CloseAuthExpired, HandshakeUnauthorized:
		return true
	}
	return false
}

// CloseError describes why a socket ended.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("socket closed with code %d", e.Code)
	}
	return fmt.Sprintf("socket closed with code %d: %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	if IsAuthClose(e.Code) {
		return ErrAuthentication
	}
	return ErrNetwork
}

// ServerError is an error event pushed by the server.
type ServerError struct {
	Code      int
	Message   string
	Action    string
	MessageID string
}

func (e *ServerError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server error %d on %s: %s", e.Code, e.Action, e.Message)
}

func (e *ServerError) Unwrap() error {
	if e.Code == HandshakeUnauthorized {
		return ErrAuthentication
	}
	return ErrApplication
}

// closeCode extracts the close code from err, or 0 when none applies.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
