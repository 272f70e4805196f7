package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"whisperim/internal/presence"
	"whisperim/internal/token"
)

// Notifier receives typing signals parsed off the socket.
type Notifier interface {
	Typing(conversationID string, active bool)
}

// Handler upgrades authenticated requests to websockets and pumps client
// events. Presence is announced on the client's explicit "live" event,
// not on connect, so a background tab can hold a socket without claiming
// delivery.
type Handler struct {
	hub      *Hub
	registry presence.Registry
	verifier *token.Verifier
	notifier Notifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler wires the socket endpoint.
func NewHandler(hub *Hub, registry presence.Registry, verifier *token.Verifier, notifier Notifier) *Handler {
	return &Handler{
		hub:      hub,
		registry: registry,
		verifier: verifier,
		notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "realtime"),
	}
}

type clientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type conversationRef struct {
	ConversationID string `json:"conversation"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		// Browser websocket clients cannot set headers.
		raw = r.URL.Query().Get("token")
	}
	claims, err := h.verifier.Verify(raw)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(claims.UserID, claims.Username, ws)
	h.hub.attach(conn)
	h.logger.Info("socket connected", "user_id", conn.UserID, "connection_id", conn.ID)
	go h.readLoop(conn)
}

func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.hub.detach(conn)
		h.registry.Forget(conn.ID)
		conn.Close(websocket.CloseNormalClosure, "")
		h.logger.Info("socket disconnected", "user_id", conn.UserID, "connection_id", conn.ID)
	}()

	conn.ws.SetReadLimit(maxInboundSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("socket read failed", "user_id", conn.UserID, "error", err)
			}
			return
		}

		var event clientEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			h.logger.Warn("malformed client event", "user_id", conn.UserID, "error", err)
			continue
		}
		h.handleEvent(conn, event)
	}
}

func (h *Handler) handleEvent(conn *Connection, event clientEvent) {
	switch event.Event {
	case "live":
		entry := presence.Entry{UserID: conn.UserID, Username: conn.Username, ConnectionID: conn.ID}
		if !h.registry.Announce(entry) {
			h.logger.Debug("presence already held", "user_id", conn.UserID)
		}
	case "die":
		h.registry.Forget(conn.ID)
	case "typing", "stopTyping":
		var ref conversationRef
		if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID == "" {
			return
		}
		h.notifier.Typing(ref.ConversationID, event.Event == "typing")
	default:
		h.logger.Debug("unknown client event", "event", event.Event, "user_id", conn.UserID)
	}
}
