package hub

import (
	"fmt"

	"github.com/orchestra-mcp/relay/src/metrics"
	"github.com/orchestra-mcp/relay/src/types"
)

func (h *Hub) handleMessage(env types.Envelope) {
	h.mu.RLock()
	handler, ok := h.handlers[env.Event]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug().Str("event", env.Event).Str("conn_id", env.ConnID).Msg("no handler")
		h.SendToClient(env.ConnID, types.MustEnvelope(types.EventMessageError, types.MessageErrorPayload{
			Reason: fmt.Sprintf("unknown event %q", env.Event),
			Code:   types.CodeInvalidPayload,
		}))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Str("event", env.Event).
				Str("conn_id", env.ConnID).
				Msg("handler panic")
		}
	}()
	if err := handler(env.ConnID, env); err != nil {
		h.logger.Warn().Err(err).Str("event", env.Event).Str("conn_id", env.ConnID).Msg("handler error")
	}
}

func (h *Hub) handleRemote(ev remoteEvent) {
	switch ev.kind {
	case remoteDeliver:
		for _, s := range h.registry.ConnectionsFor(ev.user) {
			if !s.Enqueue(ev.env) {
				metrics.DroppedFrames.WithLabelValues(ev.env.Event).Inc()
			}
		}
	case remoteOnline:
		h.presence.RemoteOnline(ev.user)
	case remoteOffline:
		h.presence.RemoteOffline(ev.user)
	}
}

// SendToClient sends a frame directly to a specific connection.
func (h *Hub) SendToClient(connID string, env types.Envelope) bool {
	c := h.Client(connID)
	if c == nil {
		return false
	}
	if !c.Enqueue(env) {
		metrics.DroppedFrames.WithLabelValues(env.Event).Inc()
		h.logger.Warn().Str("conn_id", connID).Str("event", env.Event).Msg("send buffer full, dropping")
		return false
	}
	return true
}
