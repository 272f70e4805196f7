// Package realtime carries the socket path of message delivery: one
// websocket per announced device, JSON event envelopes, and a hub that
// routes events to a specific connection or to everyone.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Inbound client events are tiny control frames.
	maxInboundSize = 1024

	sendBufferSize = 128
)

// ErrConnectionClosed is returned by Send once the connection is gone.
var ErrConnectionClosed = errors.New("realtime: connection closed")

// Connection wraps one websocket. All outbound writes go through a
// buffered channel so the hub never blocks on a slow client; a client
// that cannot drain its buffer is disconnected.
type Connection struct {
	ID       string
	UserID   string
	Username string

	ws   *websocket.Conn
	send chan []byte

	once   sync.Once
	closed chan struct{}
}

func newConnection(userID, username string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
	}
}

// Send enqueues a payload for the write loop. A full buffer closes the
// connection so backpressure stays bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrConnectionClosed
	}
}

// Close shuts the connection down exactly once, sending a close frame on
// a best-effort basis.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}
