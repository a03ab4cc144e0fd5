package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"presencegate/pkg/types"
)

// Connection wraps one admitted WebSocket with a single-writer goroutine.
// All writes flow through a buffered channel so broadcast fan-out never
// races on the underlying socket. The connection ID is assigned here, at
// accept time, and is unique for the life of the process.
type Connection struct {
	id          string
	profile     types.Profile
	connectedAt time.Time

	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded socket for an authenticated user. The
// profile is immutable for the connection's lifetime. bufferSize bounds the
// write queue; a full queue for writeTimeout counts as an unwritable peer.
func NewConnection(conn *websocket.Conn, profile types.Profile, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		profile:      profile,
		connectedAt:  time.Now(),
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the opaque connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Profile returns the profile snapshot taken at admission.
func (c *Connection) Profile() types.Profile {
	return c.profile
}

// Session returns the roster record for this connection.
func (c *Connection) Session() types.Session {
	return types.Session{
		ConnectionID: c.id,
		Profile:      c.profile,
		ConnectedAt:  c.connectedAt,
	}
}

// writeLoop is the sole goroutine that touches the socket for writes. The
// write channel is never closed; once the context is cancelled, senders fail
// through WriteJSON's own Done check instead.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues a JSON message for delivery. A closed connection or a
// queue that stays full past the write timeout returns an error; the caller
// treats both as an unwritable peer and skips it.
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

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears the connection down exactly once.
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
