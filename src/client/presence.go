package client

import (
	"sort"
	"sync"

	"github.com/orchestra-mcp/relay/src/types"
)

// PresenceView is the client's copy of the online set, rebuilt from the join
// snapshot and kept current by incremental events.
type PresenceView struct {
	mu     sync.RWMutex
	online map[types.UserID]struct{}
}

// NewPresenceView returns an empty view.
func NewPresenceView() *PresenceView {
	return &PresenceView{online: make(map[types.UserID]struct{})}
}

// Replace swaps the whole set for a snapshot.
func (v *PresenceView) Replace(ids []types.UserID) {
	next := make(map[types.UserID]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	v.mu.Lock()
	v.online = next
	v.mu.Unlock()
}

func (v *PresenceView) SetOnline(id types.UserID) {
	v.mu.Lock()
	v.online[id] = struct{}{}
	v.mu.Unlock()
}

func (v *PresenceView) SetOffline(id types.UserID) {
	v.mu.Lock()
	delete(v.online, id)
	v.mu.Unlock()
}

func (v *PresenceView) IsOnline(id types.UserID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.online[id]
	return ok
}

// Online returns the set sorted.
func (v *PresenceView) Online() []types.UserID {
	v.mu.RLock()
	out := make([]types.UserID, 0, len(v.online))
	for id := range v.online {
		out = append(out, id)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
