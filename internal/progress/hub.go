// Package progress fans pipeline progress events out to live websocket
// connections. Publishing is fire and forget: a slow or dead connection
// drops events and is eventually reaped, it never blocks a run.
package progress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/easydatahq/agent-gateway/internal/logging"
	"github.com/easydatahq/agent-gateway/internal/metrics"
)

const sendBuffer = 32

// Hub tracks live connections and routes events to a user's sessions.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[string]*client // userID -> sessionID -> client

	cancelMu sync.RWMutex
	cancelFn func(userID string)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates a progress hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.WithComponent("progress"),
		conns:  make(map[string]map[string]*client),
	}
}

// SetCancelHandler registers the callback invoked when a client sends a
// cancel command. The orchestrator installs itself here at startup.
func (h *Hub) SetCancelHandler(fn func(userID string)) {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	h.cancelFn = fn
}

// Publish sends an event to every live connection for a user. It never
// blocks: full buffers drop the event and log.
func (h *Hub) Publish(userID string, event Event) {
	if userID == "" {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal progress event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	sessions := h.conns[userID]
	targets := make([]*client, 0, len(sessions))
	for _, c := range sessions {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case <-c.done:
			// connection reaped between snapshot and send
		case c.send <- data:
		default:
			metrics.DroppedEvents.Inc()
			h.logger.Warn("dropping progress event for slow connection",
				"user_id", userID, "type", event.Type)
		}
	}
}

// ConnectionCount reports live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// ServeHTTP upgrades a request to a websocket connection and pumps
// messages until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.register(userID, sessionID, c)
	h.logger.Info("websocket connected", "user_id", userID, "session_id", sessionID)

	handshake, _ := json.Marshal(map[string]any{
		"type":       "connection_established",
		"session_id": sessionID,
		"user_id":    userID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
	conn.WriteMessage(websocket.TextMessage, handshake)

	go c.writePump()
	h.readPump(userID, sessionID, c)
}

func (h *Hub) register(userID, sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[string]*client)
	}
	h.conns[userID][sessionID] = c
	metrics.ActiveConnections.Inc()
}

func (h *Hub) unregister(userID, sessionID string, c *client) {
	h.mu.Lock()
	if sessions, ok := h.conns[userID]; ok {
		if sessions[sessionID] == c {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.conns, userID)
			}
			metrics.ActiveConnections.Dec()
		}
	}
	h.mu.Unlock()
	c.close()
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// close signals writePump and releases the connection. The send channel
// is never closed: Publish may still hold a reference to this client,
// and sending on a closed channel would take the whole process down.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// clientMessage is the client→server envelope.
type clientMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

func (h *Hub) readPump(userID, sessionID string, c *client) {
	defer h.unregister(userID, sessionID, c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			h.logger.Info("websocket disconnected", "user_id", userID, "session_id", sessionID)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("invalid client message", "user_id", userID)
			continue
		}

		switch msg.Type {
		case "ping":
			pong, _ := json.Marshal(map[string]any{
				"type":      "pong",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			select {
			case c.send <- pong:
			default:
			}
		case "client_command":
			if msg.Command == "cancel" || msg.Command == "cancel_operation" {
				h.logger.Info("cancel requested", "user_id", userID)
				h.cancelMu.RLock()
				fn := h.cancelFn
				h.cancelMu.RUnlock()
				if fn != nil {
					fn(userID)
				}
			}
		}
	}
}
