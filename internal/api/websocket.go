package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsEvent is the envelope sent to WebSocket clients.
type wsEvent struct {
	Type      string      `json:"type"` // alert, decision, remediation
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WebSocketHub fans SOC events out to connected dashboard clients.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
	closed   bool
	logger   *slog.Logger
}

// NewWebSocketHub creates the hub. allowAnyOrigin disables the origin
// check for development setups where the dashboard is served elsewhere.
func NewWebSocketHub(logger *slog.Logger, allowAnyOrigin bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebSocketHub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger.With("component", "api.WebSocketHub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if allowAnyOrigin {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return h
}

// HandleWebSocket upgrades the connection and registers the client. The
// read loop only exists to observe disconnects; clients never send.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr, "clients", count)

	go h.readLoop(conn)
}

func (h *WebSocketHub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends one event to every connected client. Clients that fail
// the write are dropped. The exclusive lock serializes writers; gorilla
// connections support at most one concurrent writer.
func (h *WebSocketHub) Broadcast(kind string, data interface{}) {
	event := wsEvent{Type: kind, Data: data, Timestamp: time.Now().Unix()}

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *WebSocketHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}
