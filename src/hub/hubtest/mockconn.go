// Package hubtest provides an in-memory types.Conn for hub-level tests.
package hubtest

import (
	"errors"
	"sync"
	"time"

	"github.com/orchestra-mcp/relay/src/types"
)

// ErrClosed is returned by reads on a closed MockConn.
var ErrClosed = errors.New("connection closed")

// ErrDeadline is returned when the read deadline passes without a frame.
var ErrDeadline = errors.New("i/o timeout")

// MockConn implements types.Conn without a real WebSocket.
type MockConn struct {
	mu       sync.Mutex
	written  []types.Envelope
	pings    int
	deadline time.Time
	closed   bool

	readCh   chan types.Envelope
	closedCh chan struct{}
}

// NewMockConn returns a conn with a small inbound buffer.
func NewMockConn() *MockConn {
	return &MockConn{
		readCh:   make(chan types.Envelope, 16),
		closedCh: make(chan struct{}),
	}
}

// Push feeds an inbound frame as if the peer had sent it.
func (m *MockConn) Push(event string, payload any) {
	m.readCh <- types.MustEnvelope(event, payload)
}

func (m *MockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if env, ok := v.(types.Envelope); ok {
		m.written = append(m.written, env)
	}
	return nil
}

func (m *MockConn) ReadJSON(v any) error {
	m.mu.Lock()
	deadline := m.deadline
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case env := <-m.readCh:
		if ptr, ok := v.(*types.Envelope); ok {
			*ptr = env
		}
		return nil
	case <-m.closedCh:
		return ErrClosed
	case <-timeout:
		return ErrDeadline
	}
}

func (m *MockConn) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pings++
	return nil
}

func (m *MockConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Pings returns how many pings were written.
func (m *MockConn) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// Written returns a copy of every frame written so far.
func (m *MockConn) Written() []types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]types.Envelope, len(m.written))
	copy(cp, m.written)
	return cp
}

// Events returns the event names written so far, in order.
func (m *MockConn) Events() []string {
	written := m.Written()
	out := make([]string, 0, len(written))
	for _, env := range written {
		out = append(out, env.Event)
	}
	return out
}

// ByEvent returns the written frames with the given event name.
func (m *MockConn) ByEvent(event string) []types.Envelope {
	var out []types.Envelope
	for _, env := range m.Written() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}
