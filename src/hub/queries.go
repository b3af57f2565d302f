package hub

import (
	"sort"

	"github.com/orchestra-mcp/relay/src/presence"
	"github.com/orchestra-mcp/relay/src/registry"
	"github.com/orchestra-mcp/relay/src/types"
)

// RegisterHandler registers a handler for an inbound event.
func (h *Hub) RegisterHandler(event string, handler types.EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = handler
}

// Registry returns the connection registry.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Presence returns the presence tracker.
func (h *Hub) Presence() *presence.Tracker { return h.presence }

// Client returns a connected client, or nil.
func (h *Hub) Client(connID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connID]
}

// Connections returns info for every connected client, sorted by id.
func (h *Hub) Connections() []types.ConnectionInfo {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	infos := make([]types.ConnectionInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(connID string) *types.ConnectionInfo {
	c := h.Client(connID)
	if c == nil {
		return nil
	}
	info := c.Info()
	return &info
}

// ClientCount returns the number of connected clients, joined or not.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnConnection registers a callback run on the hub goroutine when a client connects.
func (h *Hub) OnConnection(cb func(connID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback run on the hub goroutine when a client
// is removed.
func (h *Hub) OnDisconnection(cb func(connID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, cb)
}
