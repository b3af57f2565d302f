package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcastTarget records events forwarded from the bridge.
type mockBroadcastTarget struct {
	mu        sync.Mutex
	delivered map[types.UserID][]types.Envelope
	online    []types.UserID
	offline   []types.UserID
}

func newTarget() *mockBroadcastTarget {
	return &mockBroadcastTarget{delivered: make(map[types.UserID][]types.Envelope)}
}

func (m *mockBroadcastTarget) DeliverLocal(u types.UserID, env types.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[u] = append(m.delivered[u], env)
}

func (m *mockBroadcastTarget) RemoteOnline(u types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = append(m.online, u)
}

func (m *mockBroadcastTarget) RemoteOffline(u types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = append(m.offline, u)
}

func (m *mockBroadcastTarget) snapshot() (map[types.UserID]int, []types.UserID, []types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.UserID]int, len(m.delivered))
	for u, envs := range m.delivered {
		counts[u] = len(envs)
	}
	return counts, append([]types.UserID(nil), m.online...), append([]types.UserID(nil), m.offline...)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func startPair(t *testing.T) (*miniredis.Miniredis, *RedisBridge, *mockBroadcastTarget, *RedisBridge, *mockBroadcastTarget) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	ta, tb := newTarget(), newTarget()
	a := NewRedisBridge(cfg, ta, testLogger())
	b := NewRedisBridge(cfg, tb, testLogger())
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		_ = a.Stop()
		_ = b.Stop()
	})
	return mr, a, ta, b, tb
}

func TestRedisEnvelopeRoundTrip(t *testing.T) {
	env := redisEnvelope{
		InstanceID: "node-1",
		Kind:       kindDeliver,
		UserID:     "bob",
		Envelope: types.MustEnvelope(types.EventReceiveMessage, types.ReceiveMessagePayload{
			SenderID: "alice", ReceiverID: "bob", Message: "hi", MessageID: "m-1",
		}),
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out redisEnvelope
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "node-1", out.InstanceID)
	assert.Equal(t, kindDeliver, out.Kind)
	assert.Equal(t, types.UserID("bob"), out.UserID)

	var p types.ReceiveMessagePayload
	require.NoError(t, out.Envelope.Decode(&p))
	assert.Equal(t, "m-1", p.MessageID)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "relay:ws:", cfg.Prefix)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_WS_PREFIX", "test:ws:")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:ws:", cfg.Prefix)
}

func TestRedisConfigFromEnvInvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB) // falls back to default
}

func TestRedisBridgeUnavailableBeforeStart(t *testing.T) {
	rb := NewRedisBridge(DefaultRedisConfig(), newTarget(), testLogger())
	assert.False(t, rb.Available())

	_, err := rb.MarkOnline(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, rb.Deliver(context.Background(), "alice", types.Envelope{}), ErrUnavailable)
}

func TestRedisBridgeInstanceIDUnique(t *testing.T) {
	cfg := DefaultRedisConfig()
	b1 := NewRedisBridge(cfg, newTarget(), testLogger())
	b2 := NewRedisBridge(cfg, newTarget(), testLogger())
	assert.NotEqual(t, b1.InstanceID(), b2.InstanceID())
}

func TestClusterPresenceCounting(t *testing.T) {
	mr, a, _, b, tb := startPair(t)
	ctx := context.Background()

	first, err := a.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, first)

	// alice also connects through the second instance.
	first, err = b.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, first)

	online, err := b.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	users, err := a.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.UserID{"alice"}, users)

	last, err := a.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, last)

	last, err = b.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, last)

	online, err = a.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
	assert.False(t, mr.Exists(a.cfg.presenceKey("alice")))

	require.Eventually(t, func() bool {
		_, on, _ := tb.snapshot()
		return len(on) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceTransitionsReachOtherInstance(t *testing.T) {
	_, a, ta, _, tb := startPair(t)
	ctx := context.Background()

	_, err := a.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	_, err = a.MarkOffline(ctx, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, on, off := tb.snapshot()
		return len(on) == 1 && len(off) == 1
	}, time.Second, 5*time.Millisecond)

	_, on, off := ta.snapshot()
	assert.Empty(t, on, "own events are skipped")
	assert.Empty(t, off)
}

func TestDeliverReachesOtherInstance(t *testing.T) {
	_, a, ta, _, tb := startPair(t)

	env := types.MustEnvelope(types.EventReceiveMessage, types.ReceiveMessagePayload{
		SenderID: "alice", ReceiverID: "bob", Message: "hi", MessageID: "m-7",
	})
	require.NoError(t, a.Deliver(context.Background(), "bob", env))

	require.Eventually(t, func() bool {
		got, _, _ := tb.snapshot()
		return got["bob"] == 1
	}, time.Second, 5*time.Millisecond)

	got, _, _ := ta.snapshot()
	assert.Zero(t, got["bob"])
}

func TestUndecodablePayloadIgnored(t *testing.T) {
	mr, _, _, _, tb := startPair(t)
	mr.Publish(DefaultRedisConfig().eventsChannel(), "not json")

	time.Sleep(30 * time.Millisecond)
	got, on, off := tb.snapshot()
	assert.Empty(t, got)
	assert.Empty(t, on)
	assert.Empty(t, off)
}
