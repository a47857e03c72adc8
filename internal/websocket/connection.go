package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to clients. 4001 tells the client to refresh its token.
const (
	CloseAuthInvalid = 4001
	CloseReplaced    = 4002
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	closeCh      chan []byte
	userID       string
	connectionID string
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps conn for an already authenticated principal.
func NewConnection(conn *websocket.Conn, userID, connectionID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, writeBuffer),
		closeCh:      make(chan []byte, 1),
		userID:       userID,
		connectionID: connectionID,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case frame := <-c.closeCh:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
			_ = c.Close()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// flush writes whatever is still buffered without blocking for more.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// CloseWithCode flushes queued events, sends a close frame carrying code and
// reason, then tears the socket down.
func (c *Connection) CloseWithCode(code int, reason string) error {
	if c.conn == nil {
		return c.Close()
	}
	select {
	case c.closeCh <- websocket.FormatCloseMessage(code, reason):
	case <-c.ctx.Done():
		return nil
	default:
		// a close is already pending
	}

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return nil
	case <-timer.C:
		return c.Close()
	}
}

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed from either side.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) GetUserID() string {
	return c.userID
}

func (c *Connection) GetConnectionID() string {
	return c.connectionID
}
