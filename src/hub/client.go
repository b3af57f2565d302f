package hub

import (
	"sync"
	"time"

	"github.com/orchestra-mcp/relay/src/types"
)

// Client wraps a WebSocket connection and manages message flow.
type Client struct {
	id          string
	conn        types.Conn
	hub         *Hub
	send        chan types.Envelope
	connectedAt time.Time
	user        types.UserID
	mu          sync.RWMutex
	done        chan struct{}
	closed      bool
}

// NewClient creates a new WebSocket client wrapper.
func NewClient(id string, conn types.Conn, h *Hub) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		hub:         h,
		send:        make(chan types.Envelope, h.opts.SendBuffer),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// User returns the identity bound by join, if any.
func (c *Client) User() types.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) setUser(u types.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
}

// Info returns metadata about this client.
func (c *Client) Info() types.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.ConnectionInfo{
		ID:          c.id,
		UserID:      c.user,
		ConnectedAt: c.connectedAt,
	}
}

// Enqueue queues env for the write pump without blocking. It returns false
// when the buffer is full or the client is closed.
func (c *Client) Enqueue(env types.Envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the WebSocket and routes them to the hub. A
// read deadline of PongWait is armed up front and pushed out by every frame;
// the transport extends it on pongs.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.opts.PongWait
	if pongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	for {
		var env types.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("read ended")
			return
		}
		if pongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		env.ConnID = c.id
		env.Timestamp = time.Now().UTC()
		select {
		case c.hub.incoming <- env:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump writes queued frames to the WebSocket and pings on an interval.
func (c *Client) WritePump() {
	var tick <-chan time.Time
	if c.hub.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.hub.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-tick:
			if err := c.conn.Ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.send)
	}
}
