package hub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/orchestra-mcp/relay/src/metrics"
	"github.com/orchestra-mcp/relay/src/presence"
	"github.com/orchestra-mcp/relay/src/registry"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
)

// bridgeTimeout bounds each cluster presence call made on the hub goroutine.
const bridgeTimeout = 150 * time.Millisecond

// ErrNotConnected is returned when joining on a connection the hub does not know.
var ErrNotConnected = errors.New("hub: connection not found")

// MessageBridge relays frames and presence between server instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Available() bool
	MarkOnline(ctx context.Context, user types.UserID) (first bool, err error)
	MarkOffline(ctx context.Context, user types.UserID) (last bool, err error)
	IsOnline(ctx context.Context, user types.UserID) (bool, error)
	Deliver(ctx context.Context, user types.UserID, env types.Envelope) error
	OnlineUsers(ctx context.Context) ([]types.UserID, error)
}

// Options tunes per-connection behaviour.
type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		SendBuffer:   256,
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// Hub is the single ordering point of the relay: connection lifecycle,
// registry mutations, presence broadcasts and inbound event dispatch all run
// on the goroutine executing Run.
type Hub struct {
	clients  map[string]*Client
	registry *registry.Registry
	presence *presence.Tracker

	register   chan *Client
	unregister chan *Client
	incoming   chan types.Envelope
	remote     chan remoteEvent

	handlers     map[string]types.EventHandler
	onConnect    []func(connID string)
	onDisconnect []func(connID string)

	bridge  MessageBridge
	opts    Options
	mu      sync.RWMutex
	logger  zerolog.Logger
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type remoteKind int

const (
	remoteDeliver remoteKind = iota
	remoteOnline
	remoteOffline
)

type remoteEvent struct {
	kind remoteKind
	user types.UserID
	env  types.Envelope
}

// New creates a new Hub instance.
func New(logger zerolog.Logger, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	reg := registry.New()
	return &Hub{
		clients:    make(map[string]*Client),
		registry:   reg,
		presence:   presence.New(reg, logger),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan types.Envelope, 256),
		remote:     make(chan remoteEvent, 256),
		handlers:   make(map[string]types.EventHandler),
		opts:       opts,
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance bridge to the hub.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	h.bridge = b
	h.mu.Unlock()
	h.presence.SetDirectory(b)
}

// DeliverLocal hands a frame from the bridge to the user's local connections.
func (h *Hub) DeliverLocal(user types.UserID, env types.Envelope) {
	h.enqueueRemote(remoteEvent{kind: remoteDeliver, user: user, env: env})
}

// RemoteOnline relays an online transition from another instance.
func (h *Hub) RemoteOnline(user types.UserID) {
	h.enqueueRemote(remoteEvent{kind: remoteOnline, user: user})
}

// RemoteOffline relays an offline transition from another instance.
func (h *Hub) RemoteOffline(user types.UserID) {
	h.enqueueRemote(remoteEvent{kind: remoteOffline, user: user})
}

func (h *Hub) enqueueRemote(ev remoteEvent) {
	select {
	case h.remote <- ev:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case env := <-h.incoming:
			h.handleMessage(env)
		case ev := <-h.remote:
			h.handleRemote(ev)
		case <-h.done:
			h.closeAll()
			close(h.stopped)
			return
		}
	}
}

// Stop halts the hub event loop.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Done is closed once Stop has been called.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Stopped is closed once Run has released every client and returned.
func (h *Hub) Stopped() <-chan struct{} { return h.stopped }

// Register queues a freshly connected client.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join binds the connection to user and runs presence. It must only be
// called from an event handler, i.e. on the hub goroutine.
func (h *Hub) Join(connID string, user types.UserID) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	first, err := h.registry.Register(user, c)
	if err != nil {
		return err
	}
	c.setUser(user)
	metrics.Connections.Set(float64(h.registry.Count()))

	announce := first
	if first {
		if b := h.activeBridge(); b != nil {
			ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
			clusterFirst, err := b.MarkOnline(ctx, user)
			cancel()
			if err != nil {
				metrics.BridgeErrors.WithLabelValues(metrics.OpMarkOnline).Inc()
				h.logger.Warn().Err(err).Str("user_id", string(user)).Msg("cluster presence update failed")
			} else {
				announce = clusterFirst
			}
		}
	}
	h.presence.Joined(user, c, announce)

	h.logger.Info().
		Str("conn_id", connID).
		Str("user_id", string(user)).
		Bool("first", first).
		Msg("client joined")
	return nil
}

func (h *Hub) activeBridge() MessageBridge {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.bridge == nil || !h.bridge.Available() {
		return nil
	}
	return h.bridge
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	h.mu.Unlock()

	h.logger.Debug().Str("conn_id", c.ID()).Msg("client connected")
	h.notify(false, c.ID())
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID())
	h.mu.Unlock()

	c.Close()
	h.notify(true, c.ID())

	user, last, ok := h.registry.Unregister(c.ID())
	if !ok {
		h.logger.Debug().Str("conn_id", c.ID()).Msg("anonymous client disconnected")
		return
	}
	metrics.Connections.Set(float64(h.registry.Count()))

	h.presence.Left(user, h.releaseCluster(user, last))

	h.logger.Info().
		Str("conn_id", c.ID()).
		Str("user_id", string(user)).
		Bool("last", last).
		Msg("client unregistered")
}

// releaseCluster decrements the cluster presence count after the user's last
// local connection went away and reports whether the user is now offline
// everywhere. Without a bridge the local answer stands.
func (h *Hub) releaseCluster(user types.UserID, last bool) bool {
	if !last {
		return false
	}
	b := h.activeBridge()
	if b == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
	defer cancel()
	clusterLast, err := b.MarkOffline(ctx, user)
	if err != nil {
		metrics.BridgeErrors.WithLabelValues(metrics.OpMarkOffline).Inc()
		h.logger.Warn().Err(err).Str("user_id", string(user)).Msg("cluster presence update failed")
		return true
	}
	return clusterLast
}

func (h *Hub) notify(disconnect bool, connID string) {
	h.mu.RLock()
	cbs := h.onConnect
	if disconnect {
		cbs = h.onDisconnect
	}
	cbs = slices.Clone(cbs)
	h.mu.RUnlock()
	for _, cb := range cbs {
		cb(connID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
		if user, last, ok := h.registry.Unregister(c.ID()); ok {
			h.releaseCluster(user, last)
		}
	}
	metrics.Connections.Set(0)
	h.logger.Info().Int("clients", len(clients)).Msg("hub stopped")
}
