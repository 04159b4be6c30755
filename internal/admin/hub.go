package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one session-state-transition notification broadcast to
// watchers. Repointed from the teacher's websocket.Manager, which
// forwards browser frames to a PHP worker and room-broadcasts PHP's
// replies back out: here there is no PHP round-trip, the hub itself
// is the only producer, and a "room" is one SPOP connection's ID so a
// dashboard can watch a single session in isolation.
type Event struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	StreamID  uint64    `json:"stream_id,omitempty"`
	FrameID   uint64    `json:"frame_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// watcher is one connected dashboard client.
type watcher struct {
	conn *websocket.Conn
	room string // "" watches every session
	mu   sync.Mutex
}

func (w *watcher) send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans session events out to every connected dashboard client,
// optionally filtered to one session ID (room).
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	watchers map[*watcher]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   logger,
		watchers: make(map[*watcher]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a watcher. The optional "session" query parameter
// narrows the feed to a single session ID.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("tap upgrade failed", "error", err)
		}
		return
	}

	wt := &watcher{conn: conn, room: r.URL.Query().Get("session")}
	h.mu.Lock()
	h.watchers[wt] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.watchers, wt)
		h.mu.Unlock()
		conn.Close()
	}()

	// The tap is output-only; drain and discard any client frames so
	// the read pump notices a closed connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends ev to every watcher subscribed to ev.SessionID (or
// to every session, for watchers with no room filter).
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*watcher, 0, len(h.watchers))
	for wt := range h.watchers {
		if wt.room == "" || wt.room == ev.SessionID {
			targets = append(targets, wt)
		}
	}
	h.mu.RUnlock()

	for _, wt := range targets {
		if err := wt.send(data); err != nil && h.logger != nil {
			h.logger.Debug("tap send failed", "session_id", ev.SessionID, "error", err)
		}
	}
}

// WatcherCount reports the number of connected dashboard clients.
func (h *Hub) WatcherCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}
