package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/orchestra-mcp/relay/src/types"
)

var (
	// ErrEmptyUser is returned when registering without an identity.
	ErrEmptyUser = errors.New("registry: empty user id")
	// ErrConnectionOwned is returned when a connection is already bound to another user.
	ErrConnectionOwned = errors.New("registry: connection owned by another user")
)

type entry struct {
	user types.UserID
	sink types.Sink
}

// Registry maps user identities to their live connections.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byUser map[types.UserID]map[string]types.Sink
	byConn map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[types.UserID]map[string]types.Sink),
		byConn: make(map[string]entry),
	}
}

// Register adds sink under user. first reports whether this is the user's
// first live connection.
func (r *Registry) Register(user types.UserID, sink types.Sink) (first bool, err error) {
	if user == "" {
		return false, ErrEmptyUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byConn[sink.ID()]; ok {
		if e.user != user {
			return false, ErrConnectionOwned
		}
		return false, nil
	}

	conns := r.byUser[user]
	if conns == nil {
		conns = make(map[string]types.Sink)
		r.byUser[user] = conns
	}
	first = len(conns) == 0
	conns[sink.ID()] = sink
	r.byConn[sink.ID()] = entry{user: user, sink: sink}
	return first, nil
}

// Unregister removes the connection from whichever user owns it. last reports
// whether the owner has no connections left. Unknown connections are no-ops.
func (r *Registry) Unregister(connID string) (user types.UserID, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[connID]
	if !ok {
		return "", false, false
	}
	delete(r.byConn, connID)

	conns := r.byUser[e.user]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, e.user)
		return e.user, true, true
	}
	return e.user, false, true
}

// ConnectionsFor returns a copy of the user's live connections.
func (r *Registry) ConnectionsFor(user types.UserID) []types.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[user]
	out := make([]types.Sink, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether user has at least one live connection.
func (r *Registry) IsOnline(user types.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// Owner returns the user bound to connID.
func (r *Registry) Owner(connID string) (types.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	return e.user, ok
}

// Online returns the presence set, sorted.
func (r *Registry) Online() []types.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UserID, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns every registered connection except those owned by exclude.
func (r *Registry) All(exclude types.UserID) []types.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Sink, 0, len(r.byConn))
	for _, e := range r.byConn {
		if exclude != "" && e.user == exclude {
			continue
		}
		out = append(out, e.sink)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
