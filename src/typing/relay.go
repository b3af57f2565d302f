package typing

import (
	"context"
	"sync"
	"time"

	"github.com/orchestra-mcp/relay/src/metrics"
	"github.com/orchestra-mcp/relay/src/registry"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
)

const remoteTimeout = 150 * time.Millisecond

// Remote forwards a frame to a user connected to another instance.
type Remote interface {
	Deliver(ctx context.Context, user types.UserID, env types.Envelope) error
}

// Relay forwards typing signals to the receiver's live connections. It keeps
// no state: expiry of a stuck indicator is the receiving client's job.
type Relay struct {
	reg    *registry.Registry
	logger zerolog.Logger

	mu     sync.RWMutex
	remote Remote
}

// New creates a relay over reg.
func New(reg *registry.Registry, logger zerolog.Logger) *Relay {
	return &Relay{reg: reg, logger: logger.With().Str("component", "typing").Logger()}
}

// SetRemote attaches cross-instance forwarding.
func (r *Relay) SetRemote(rm Remote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = rm
}

// Forward relays p issued on from. It returns false when the signal was
// ignored; the sender never gets an acknowledgment either way.
func (r *Relay) Forward(from types.Sink, p types.TypingPayload) bool {
	if p.SenderID == "" || p.ReceiverID == "" {
		return false
	}
	owner, ok := r.reg.Owner(from.ID())
	if !ok || owner != p.SenderID {
		r.logger.Debug().Str("conn_id", from.ID()).Str("claimed", string(p.SenderID)).Msg("typing from unbound sender ignored")
		return false
	}

	env := types.MustEnvelope(types.EventUserTyping, types.UserTypingPayload{UserID: p.SenderID, IsTyping: p.IsTyping})
	conns := r.reg.ConnectionsFor(p.ReceiverID)
	for _, c := range conns {
		if !c.Enqueue(env) {
			metrics.DroppedFrames.WithLabelValues(env.Event).Inc()
		}
	}
	// The receiver may also have connections on other instances.
	r.forwardRemote(p.ReceiverID, env)
	metrics.TypingSignals.Inc()
	return true
}

func (r *Relay) forwardRemote(user types.UserID, env types.Envelope) {
	r.mu.RLock()
	rm := r.remote
	r.mu.RUnlock()
	if rm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	if err := rm.Deliver(ctx, user, env); err != nil {
		metrics.BridgeErrors.WithLabelValues(metrics.OpDeliver).Inc()
		r.logger.Debug().Err(err).Str("receiver", string(user)).Msg("remote typing forward failed")
	}
}
