// Package live streams status snapshots to dashboard clients over websockets.
package live

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	clientBuffer = 8
	writeTimeout = 5 * time.Second
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan any
}

// Hub tracks connected dashboard clients and fans out updates.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger,
	}
}

// Broadcast queues v for every client. Slow clients miss updates rather than
// blocking the caller.
func (h *Hub) Broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- v:
		default:
			h.logger.Debug("Live client lagging, dropping update", "client_id", c.id)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.logger.Info("Live client registered", "client_id", c.id, "clients", len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		h.logger.Info("Live client unregistered", "client_id", c.id, "clients", len(h.clients))
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, id)
	}
}

// Handler upgrades requests and streams snapshot() followed by every
// broadcast.
type Handler struct {
	hub      *Hub
	snapshot func() any
	origins  map[string]bool
	wildcard bool
}

// NewHandler creates the websocket endpoint. An empty origin list or "*"
// accepts any origin.
func NewHandler(hub *Hub, snapshot func() any, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:      hub,
		snapshot: snapshot,
		origins:  make(map[string]bool, len(allowedOrigins)),
		wildcard: len(allowedOrigins) == 0,
	}
	for _, o := range allowedOrigins {
		if o == "*" {
			h.wildcard = true
			continue
		}
		h.origins[o] = true
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.hub.logger

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	c := &client{id: uuid.NewString(), conn: ws, send: make(chan any, clientBuffer)}
	h.hub.register(c)
	defer h.hub.unregister(c)

	// The dashboard never sends data; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	if err := h.write(ctx, ws, h.snapshot()); err != nil {
		logger.Debug("Failed to send initial snapshot", "error", err, "client_id", c.id)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-c.send:
			if err := h.write(ctx, ws, v); err != nil {
				logger.Debug("Live write failed", "error", err, "client_id", c.id)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.wildcard || h.origins[origin] {
		return true
	}
	h.hub.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}
