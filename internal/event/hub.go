// Package event fans engine events out to live dashboard subscribers and
// registered webhooks.
package event

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// client pairs a connection with a write lock. gorilla/websocket allows at
// most one concurrent writer per connection, and both Broadcast and the echo
// loop write to the same conn.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages dashboard WebSocket connections. Broadcast is best-effort:
// a subscriber that fails a write is dropped on the spot, and nothing is
// buffered across disconnects.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	// OnClientCountChange, when set, is called with the subscriber count
	// after every connect and disconnect. Set before serving.
	OnClientCountChange func(int)
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger, allowAllOrigins bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:  make(map[*client]bool),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "event.Hub"),
		now:      time.Now,
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// HandleWebSocket upgrades the connection, sends a welcome frame, then
// echoes every client message until disconnect.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.notifyCount(count)

	h.logger.Debug("dashboard client connected", "remote", conn.RemoteAddr())

	welcome := h.frame("connected", map[string]any{
		"message": "Connected to oversight gateway dashboard",
	})
	if err := c.write(welcome); err != nil {
		h.drop(c)
		return
	}

	go func() {
		defer h.drop(c)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			echo := h.frame("echo", map[string]any{"received": string(msg)})
			if err := c.write(echo); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	_ = c.conn.Close()
	h.notifyCount(count)
	h.logger.Debug("dashboard client disconnected", "remote", c.conn.RemoteAddr())
}

func (h *Hub) notifyCount(n int) {
	if h.OnClientCountChange != nil {
		h.OnClientCountChange(n)
	}
}

func (h *Hub) frame(event string, data map[string]any) []byte {
	msg, err := json.Marshal(map[string]any{
		"event":     event,
		"data":      data,
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket frame", "event", event, "error", err)
		return []byte("{}")
	}
	return msg
}

// Broadcast pushes one event frame to every subscriber. Dead connections
// are collected under the read lock and cleaned up afterwards so a broadcast
// never blocks on lock upgrades.
func (h *Hub) Broadcast(event string, data map[string]any) {
	msg := h.frame(event, data)

	h.mu.RLock()
	var dead []*client
	for c := range h.clients {
		if err := c.write(msg); err != nil {
			h.logger.Debug("failed to write to dashboard client", "error", err)
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.conn.Close()
		}
		count := len(h.clients)
		h.mu.Unlock()
		h.notifyCount(count)
	}
}
