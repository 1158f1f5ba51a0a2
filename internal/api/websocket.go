package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/packetmind/packetmind/internal/txn"
)

const wsWriteTimeout = 10 * time.Second

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

// wsMessage is one frame of the live feed. The first frame after connecting
// (and after every resync) is a snapshot; the rest are store events.
type wsMessage struct {
	Type string `json:"type"` // snapshot, appended, updated, evicted, cleared
	Data any    `json:"data,omitempty"`
}

// WebSocketHub streams the transaction history to WebSocket clients. Each
// client gets its own store subscription, so a slow client only loses its
// own stream and is resynced from a fresh snapshot.
type WebSocketHub struct {
	store    *txn.Store
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]context.CancelFunc
	closed  bool

	logger *slog.Logger
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(store *txn.Store, buffer int, logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		store:    store,
		buffer:   buffer,
		upgrader: newUpgrader(allowAllOrigins),
		clients:  make(map[*websocket.Conn]context.CancelFunc),
		logger:   logger.With("component", "api.WebSocketHub"),
	}
}

// Close disconnects all clients. Later connection attempts are refused.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, cancel := range h.clients {
		cancel()
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket and starts
// streaming.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	h.clients[conn] = cancel
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	// Read pump: detects client disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer h.remove(conn)
		h.stream(ctx, conn)
	}()
}

func (h *WebSocketHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if cancel, ok := h.clients[conn]; ok {
		cancel()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
}

// stream sends a snapshot followed by live events, resubscribing whenever
// the store drops the subscription.
func (h *WebSocketHub) stream(ctx context.Context, conn *websocket.Conn) {
	for {
		snapshot, sub := h.store.Subscribe(h.buffer)
		if err := h.write(conn, wsMessage{Type: "snapshot", Data: snapshot}); err != nil {
			sub.Close()
			return
		}
		resync, err := h.follow(ctx, conn, sub)
		sub.Close()
		if err != nil || !resync {
			return
		}
		h.logger.Warn("websocket client fell behind, resyncing", "remote", conn.RemoteAddr())
	}
}

func (h *WebSocketHub) follow(ctx context.Context, conn *websocket.Conn, sub *txn.Subscription) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case ev, ok := <-sub.C:
			if !ok {
				return true, nil
			}
			msg := wsMessage{Type: string(ev.Type)}
			if ev.Type != txn.EventCleared {
				msg.Data = ev.Transaction
			}
			if err := h.write(conn, msg); err != nil {
				return false, err
			}
		}
	}
}

func (h *WebSocketHub) write(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("failed to write to websocket client", "error", err)
		return err
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
