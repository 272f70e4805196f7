package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Envelope is the wire shape of every server-to-client event. Event names
// carry the routing suffix ("receive.<userID>", "conversation.<id>",
// "read.<id>", "typing.<id>") so clients subscribe by name.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub tracks live connections by connection ID. Presence decides which
// connection owns delivery for a user; the hub only moves bytes.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewHub initializes an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Connection)}
}

func (h *Hub) attach(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	go conn.writeLoop()
}

func (h *Hub) detach(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn.ID)
	h.mu.Unlock()
}

// Emit delivers one event to a specific connection. It reports false when
// the connection is unknown or could not accept the payload, so the
// caller can fall back to another delivery path.
func (h *Hub) Emit(connectionID, event string, data any) bool {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("marshal realtime event", "event", event, "error", err)
		return false
	}
	return conn.Send(payload) == nil
}

// Broadcast fans an event out to every live connection and returns the
// number of successful sends.
func (h *Hub) Broadcast(event string, data any) int {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("marshal realtime event", "event", event, "error", err)
		return 0
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if conn.Send(payload) == nil {
			sent++
		}
	}
	return sent
}

// Close disconnects every tracked connection, for shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
