package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/warp/internal/protocol"
)

const writeTimeout = 10 * time.Second

// client is one WebSocket connection bound to a session.
type client struct {
	conn      *websocket.Conn
	sessionID string
	userID    string
}

func (c *client) send(ctx context.Context, env *protocol.Envelope) error {
	env.SessionID = c.sessionID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// hub tracks the live connections of every session.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{clients: make(map[string]map[*client]struct{}), logger: logger}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.sessionID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.sessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.sessionID)
	}
}

func (h *hub) snapshot(sessionID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients[sessionID]))
	for c := range h.clients[sessionID] {
		out = append(out, c)
	}
	return out
}

// broadcast sends env to every connection of the session. Failed writes
// are logged; the read loop of that connection notices the broken socket.
func (h *hub) broadcast(ctx context.Context, sessionID string, env *protocol.Envelope) int {
	sent := 0
	for _, c := range h.snapshot(sessionID) {
		cp := *env
		if err := c.send(ctx, &cp); err != nil {
			h.logger.Debug("websocket broadcast failed",
				slog.String("session_id", sessionID),
				slog.String("type", string(env.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent++
	}
	return sent
}

// closeSession closes every connection of the session.
func (h *hub) closeSession(sessionID, reason string) {
	for _, c := range h.snapshot(sessionID) {
		c.conn.Close(websocket.StatusGoingAway, reason)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
