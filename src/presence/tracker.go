package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orchestra-mcp/relay/src/metrics"
	"github.com/orchestra-mcp/relay/src/registry"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
)

const directoryTimeout = 150 * time.Millisecond

// Directory reports users online on other instances.
type Directory interface {
	OnlineUsers(ctx context.Context) ([]types.UserID, error)
}

// Tracker broadcasts presence transitions derived from registry mutations.
// All methods must be called from the hub event loop, which is what keeps
// a user's online and offline notices in order on every connection.
type Tracker struct {
	reg    *registry.Registry
	logger zerolog.Logger

	mu  sync.RWMutex
	dir Directory
}

// New creates a tracker over reg.
func New(reg *registry.Registry, logger zerolog.Logger) *Tracker {
	return &Tracker{
		reg:    reg,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

// SetDirectory attaches a cluster-wide directory used for snapshots.
func (t *Tracker) SetDirectory(d Directory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dir = d
}

// Joined handles a connection that was just registered for user. The new
// connection always receives a full snapshot; everybody else hears about
// the user only when this was its first connection.
func (t *Tracker) Joined(user types.UserID, sink types.Sink, first bool) {
	if first {
		t.broadcast(user, types.MustEnvelope(types.EventUserOnline, types.PresencePayload{UserID: user}))
		metrics.PresenceEvents.WithLabelValues("online").Inc()
	}

	snap := types.MustEnvelope(types.EventOnlineUsers, types.OnlineUsersPayload{UserIDs: t.Snapshot()})
	t.send(sink, snap)
	metrics.PresenceEvents.WithLabelValues("snapshot").Inc()
	metrics.OnlineUsers.Set(float64(len(t.reg.Online())))
}

// Left handles a connection that was just unregistered for user.
func (t *Tracker) Left(user types.UserID, last bool) {
	if !last {
		return
	}
	t.broadcast(user, types.MustEnvelope(types.EventUserOffline, types.PresencePayload{UserID: user}))
	metrics.PresenceEvents.WithLabelValues("offline").Inc()
	metrics.OnlineUsers.Set(float64(len(t.reg.Online())))
}

// RemoteOnline relays an online transition announced by another instance.
func (t *Tracker) RemoteOnline(user types.UserID) {
	t.broadcast(user, types.MustEnvelope(types.EventUserOnline, types.PresencePayload{UserID: user}))
}

// RemoteOffline relays an offline transition announced by another instance.
// It is suppressed while the user still has local connections.
func (t *Tracker) RemoteOffline(user types.UserID) {
	if t.reg.IsOnline(user) {
		return
	}
	t.broadcast(user, types.MustEnvelope(types.EventUserOffline, types.PresencePayload{UserID: user}))
}

// Snapshot returns the current presence set, including users the directory
// knows about on other instances.
func (t *Tracker) Snapshot() []types.UserID {
	local := t.reg.Online()

	t.mu.RLock()
	dir := t.dir
	t.mu.RUnlock()
	if dir == nil {
		return local
	}

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	remote, err := dir.OnlineUsers(ctx)
	if err != nil {
		metrics.BridgeErrors.WithLabelValues(metrics.OpLookup).Inc()
		t.logger.Warn().Err(err).Msg("directory lookup failed, using local snapshot")
		return local
	}

	seen := make(map[types.UserID]bool, len(local)+len(remote))
	out := make([]types.UserID, 0, len(local)+len(remote))
	for _, u := range append(local, remote...) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Tracker) broadcast(user types.UserID, env types.Envelope) {
	for _, s := range t.reg.All(user) {
		t.send(s, env)
	}
}

func (t *Tracker) send(s types.Sink, env types.Envelope) {
	if !s.Enqueue(env) {
		metrics.DroppedFrames.WithLabelValues(env.Event).Inc()
		t.logger.Warn().Str("conn_id", s.ID()).Str("event", env.Event).Msg("send buffer full, dropping")
	}
}
