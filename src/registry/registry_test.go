package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/orchestra-mcp/relay/src/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSink struct{ id string }

func (s stubSink) ID() string                  { return s.id }
func (s stubSink) Enqueue(types.Envelope) bool { return true }

func TestRegisterFirstConnection(t *testing.T) {
	r := New()

	first, err := r.Register("alice", stubSink{"c1"})
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, r.IsOnline("alice"))

	first, err = r.Register("alice", stubSink{"c2"})
	require.NoError(t, err)
	assert.False(t, first)
	assert.Len(t, r.ConnectionsFor("alice"), 2)
}

func TestTwoConnectionsThenUnregister(t *testing.T) {
	r := New()
	_, _ = r.Register("alice", stubSink{"c1"})
	_, _ = r.Register("alice", stubSink{"c2"})

	user, last, ok := r.Unregister("c1")
	assert.True(t, ok)
	assert.False(t, last)
	assert.Equal(t, types.UserID("alice"), user)
	assert.True(t, r.IsOnline("alice"))

	user, last, ok = r.Unregister("c2")
	assert.True(t, ok)
	assert.True(t, last)
	assert.Equal(t, types.UserID("alice"), user)
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.Online())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	_, _ = r.Register("alice", stubSink{"c1"})
	_, _, _ = r.Unregister("c1")

	user, last, ok := r.Unregister("c1")
	assert.False(t, ok)
	assert.False(t, last)
	assert.Empty(t, user)

	_, _, ok = r.Unregister("never-seen")
	assert.False(t, ok)
}

func TestConnectionNeverSharedAcrossUsers(t *testing.T) {
	r := New()
	_, err := r.Register("alice", stubSink{"c1"})
	require.NoError(t, err)

	_, err = r.Register("bob", stubSink{"c1"})
	assert.ErrorIs(t, err, ErrConnectionOwned)
	assert.False(t, r.IsOnline("bob"))

	first, err := r.Register("alice", stubSink{"c1"})
	require.NoError(t, err)
	assert.False(t, first, "re-registering the same connection is a no-op")
	assert.Len(t, r.ConnectionsFor("alice"), 1)
}

func TestRegisterEmptyUser(t *testing.T) {
	r := New()
	_, err := r.Register("", stubSink{"c1"})
	assert.ErrorIs(t, err, ErrEmptyUser)
	assert.Equal(t, 0, r.Count())
}

func TestIsOnlineTracksCountForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := New()
	live := map[string]bool{}

	for step := 0; step < 500; step++ {
		id := fmt.Sprintf("c%d", rng.Intn(6))
		if live[id] {
			_, last, ok := r.Unregister(id)
			require.True(t, ok)
			delete(live, id)
			assert.Equal(t, len(live) == 0, last, "step %d", step)
		} else {
			first, err := r.Register("alice", stubSink{id})
			require.NoError(t, err)
			assert.Equal(t, len(live) == 0, first, "step %d", step)
			live[id] = true
		}
		assert.Equal(t, len(live) > 0, r.IsOnline("alice"), "step %d", step)
		assert.Len(t, r.ConnectionsFor("alice"), len(live))
	}
}

func TestOnlineAndAll(t *testing.T) {
	r := New()
	_, _ = r.Register("carol", stubSink{"c3"})
	_, _ = r.Register("alice", stubSink{"c1"})
	_, _ = r.Register("bob", stubSink{"c2"})

	assert.Equal(t, []types.UserID{"alice", "bob", "carol"}, r.Online())
	assert.Len(t, r.All(""), 3)
	assert.Len(t, r.All("alice"), 2)

	owner, ok := r.Owner("c2")
	assert.True(t, ok)
	assert.Equal(t, types.UserID("bob"), owner)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			_, _ = r.Register(types.UserID(fmt.Sprintf("u%d", i%5)), stubSink{id})
			_ = r.IsOnline("u0")
			_, _, _ = r.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Online())
}
