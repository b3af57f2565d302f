package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/orchestra-mcp/relay/src/bridge"
	"github.com/orchestra-mcp/relay/src/hub"
	"github.com/orchestra-mcp/relay/src/hub/hubtest"
	"github.com/orchestra-mcp/relay/src/metrics"
	"github.com/orchestra-mcp/relay/src/service"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second
const tick = 5 * time.Millisecond

func newTestService(t *testing.T, opts service.Options) (*service.Service, *hub.Hub) {
	t.Helper()
	h := hub.New(zerolog.Nop(), hub.Options{SendBuffer: 32})
	svc := service.New(h, zerolog.Nop(), opts)
	go h.Run()
	t.Cleanup(h.Stop)
	return svc, h
}

func dial(t *testing.T, h *hub.Hub, id string) *hubtest.MockConn {
	t.Helper()
	conn := hubtest.NewMockConn()
	c := hub.NewClient(id, conn, h)
	h.Register(c)
	go c.WritePump()
	go c.ReadPump()
	require.Eventually(t, func() bool { return h.Client(id) != nil }, waitFor, tick)
	return conn
}

func join(t *testing.T, h *hub.Hub, id string, user types.UserID) *hubtest.MockConn {
	t.Helper()
	conn := dial(t, h, id)
	conn.Push(types.EventJoin, types.JoinPayload{UserID: user})
	require.Eventually(t, func() bool {
		return len(conn.ByEvent(types.EventOnlineUsers)) > 0
	}, waitFor, tick)
	return conn
}

func decode[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}

func TestConversationBetweenTwoUsers(t *testing.T) {
	svc, h := newTestService(t, service.Options{})

	alice := join(t, h, "a1", "alice")
	bob := join(t, h, "b1", "bob")

	require.Eventually(t, func() bool {
		return len(alice.ByEvent(types.EventUserOnline)) == 1
	}, waitFor, tick)
	online := decode[types.PresencePayload](t, alice.ByEvent(types.EventUserOnline)[0])
	assert.Equal(t, types.UserID("bob"), online.UserID)

	snap := decode[types.OnlineUsersPayload](t, bob.ByEvent(types.EventOnlineUsers)[0])
	assert.ElementsMatch(t, []types.UserID{"alice", "bob"}, snap.UserIDs)
	assert.ElementsMatch(t, []types.UserID{"alice", "bob"}, svc.OnlineUsers())

	alice.Push(types.EventSendMessage, types.SendMessagePayload{
		SenderID:        "alice",
		ReceiverID:      "bob",
		Message:         "hi",
		ClientMessageID: "tmp-1",
	})

	require.Eventually(t, func() bool {
		return len(bob.ByEvent(types.EventReceiveMessage)) == 1 &&
			len(alice.ByEvent(types.EventMessageDelivered)) == 1
	}, waitFor, tick)

	got := decode[types.ReceiveMessagePayload](t, bob.ByEvent(types.EventReceiveMessage)[0])
	ack := decode[types.DeliveredPayload](t, alice.ByEvent(types.EventMessageDelivered)[0])
	assert.Equal(t, "hi", got.Message)
	assert.Equal(t, types.UserID("alice"), got.SenderID)
	assert.Equal(t, types.MessageText, got.MessageType)
	assert.NotEmpty(t, got.MessageID)
	assert.Equal(t, got.MessageID, ack.MessageID)
	assert.Equal(t, "tmp-1", ack.ClientMessageID)
	assert.Empty(t, alice.ByEvent(types.EventReceiveMessage), "sender does not receive its own message")
}

func TestSendToOfflineUserFails(t *testing.T) {
	_, h := newTestService(t, service.Options{})
	alice := join(t, h, "a1", "alice")

	alice.Push(types.EventSendMessage, types.SendMessagePayload{
		SenderID: "alice", ReceiverID: "carol", Message: "anyone?", ClientMessageID: "tmp-9",
	})
	require.Eventually(t, func() bool {
		return len(alice.ByEvent(types.EventMessageError)) == 1
	}, waitFor, tick)

	p := decode[types.MessageErrorPayload](t, alice.ByEvent(types.EventMessageError)[0])
	assert.Equal(t, types.CodeRecipientOffline, p.Code)
	assert.Equal(t, "tmp-9", p.ClientMessageID)
	assert.Equal(t, types.UserID("carol"), p.ReceiverID)
	assert.Empty(t, alice.ByEvent(types.EventMessageDelivered))
}

func TestSendBeforeJoinRejected(t *testing.T) {
	_, h := newTestService(t, service.Options{})
	_ = join(t, h, "b1", "bob")
	anon := dial(t, h, "x1")

	anon.Push(types.EventSendMessage, types.SendMessagePayload{SenderID: "bob", ReceiverID: "bob", Message: "x"})
	require.Eventually(t, func() bool {
		return len(anon.ByEvent(types.EventMessageError)) == 1
	}, waitFor, tick)
	assert.Equal(t, types.CodeNotJoined, decode[types.MessageErrorPayload](t, anon.ByEvent(types.EventMessageError)[0]).Code)
}

func TestJoinAsSecondUserRejected(t *testing.T) {
	svc, h := newTestService(t, service.Options{})
	alice := join(t, h, "a1", "alice")

	alice.Push(types.EventJoin, types.JoinPayload{UserID: "mallory"})
	require.Eventually(t, func() bool {
		return len(alice.ByEvent(types.EventMessageError)) == 1
	}, waitFor, tick)
	assert.Equal(t, types.CodeSenderMismatch, decode[types.MessageErrorPayload](t, alice.ByEvent(types.EventMessageError)[0]).Code)
	assert.False(t, svc.IsOnline("mallory"))
	assert.True(t, svc.IsOnline("alice"))
}

func TestMalformedJoinRejected(t *testing.T) {
	_, h := newTestService(t, service.Options{})
	conn := dial(t, h, "c1")

	conn.Push(types.EventJoin, map[string]any{"userId": 42})
	require.Eventually(t, func() bool {
		return len(conn.ByEvent(types.EventMessageError)) == 1
	}, waitFor, tick)
	assert.Equal(t, types.CodeInvalidPayload, decode[types.MessageErrorPayload](t, conn.ByEvent(types.EventMessageError)[0]).Code)
}

func TestTypingRelayedWithoutAck(t *testing.T) {
	_, h := newTestService(t, service.Options{})
	alice := join(t, h, "a1", "alice")
	bob := join(t, h, "b1", "bob")

	alice.Push(types.EventTyping, types.TypingPayload{SenderID: "alice", ReceiverID: "bob", IsTyping: true})
	require.Eventually(t, func() bool {
		return len(bob.ByEvent(types.EventUserTyping)) == 1
	}, waitFor, tick)

	p := decode[types.UserTypingPayload](t, bob.ByEvent(types.EventUserTyping)[0])
	assert.Equal(t, types.UserID("alice"), p.UserID)
	assert.True(t, p.IsTyping)
	assert.Empty(t, alice.ByEvent(types.EventUserTyping))
	assert.Empty(t, alice.ByEvent(types.EventMessageError))
}

func TestRateLimitedSend(t *testing.T) {
	_, h := newTestService(t, service.Options{RateRPS: 0.001, RateBurst: 2})
	alice := join(t, h, "a1", "alice")
	bob := join(t, h, "b1", "bob")
	limited := testutil.ToFloat64(metrics.RateLimited.WithLabelValues(types.EventSendMessage))

	for i := 0; i < 3; i++ {
		alice.Push(types.EventSendMessage, types.SendMessagePayload{SenderID: "alice", ReceiverID: "bob", Message: "spam"})
	}
	require.Eventually(t, func() bool {
		return len(alice.ByEvent(types.EventMessageError)) == 1
	}, waitFor, tick)
	assert.Equal(t, types.CodeRateLimited, decode[types.MessageErrorPayload](t, alice.ByEvent(types.EventMessageError)[0]).Code)
	assert.Len(t, bob.ByEvent(types.EventReceiveMessage), 2)
	assert.Equal(t, limited+1, testutil.ToFloat64(metrics.RateLimited.WithLabelValues(types.EventSendMessage)))
}

func TestConnectionsQuery(t *testing.T) {
	svc, h := newTestService(t, service.Options{})
	_ = join(t, h, "a1", "alice")
	_ = join(t, h, "a2", "alice")
	_ = dial(t, h, "x1")

	conns := svc.Connections("alice")
	require.Len(t, conns, 2)
	assert.Equal(t, "a1", conns[0].ID)
	assert.Equal(t, "a2", conns[1].ID)
	assert.Equal(t, 3, svc.ConnectionCount())
}

func TestDrainStopsHub(t *testing.T) {
	svc, h := newTestService(t, service.Options{})
	conn := join(t, h, "a1", "alice")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(ctx))
	assert.Eventually(t, conn.Closed, waitFor, tick)
}

// clusterNode starts a service whose hub is bridged through the shared Redis.
func clusterNode(t *testing.T, mr *miniredis.Miniredis) *hub.Hub {
	t.Helper()
	svc, h := newTestService(t, service.Options{})
	cfg := bridge.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	rb := bridge.NewRedisBridge(cfg, h, zerolog.Nop())
	require.NoError(t, rb.Start())
	t.Cleanup(func() { _ = rb.Stop() })
	svc.AttachBridge(rb)
	return h
}

func TestClusterReachesEveryRecipientConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	h1 := clusterNode(t, mr)
	h2 := clusterNode(t, mr)

	alice := join(t, h1, "a1", "alice")
	bobHere := join(t, h1, "b1", "bob")
	bobThere := join(t, h2, "b2", "bob")

	alice.Push(types.EventSendMessage, types.SendMessagePayload{
		SenderID: "alice", ReceiverID: "bob", Message: "both tabs", ClientMessageID: "tmp-1",
	})
	require.Eventually(t, func() bool {
		return len(bobThere.ByEvent(types.EventReceiveMessage)) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(alice.ByEvent(types.EventMessageDelivered)) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(bobHere.ByEvent(types.EventReceiveMessage)) == 1
	}, waitFor, tick)

	here := decode[types.ReceiveMessagePayload](t, bobHere.ByEvent(types.EventReceiveMessage)[0])
	there := decode[types.ReceiveMessagePayload](t, bobThere.ByEvent(types.EventReceiveMessage)[0])
	assert.Equal(t, here.MessageID, there.MessageID)

	alice.Push(types.EventTyping, types.TypingPayload{SenderID: "alice", ReceiverID: "bob", IsTyping: true})
	require.Eventually(t, func() bool {
		return len(bobThere.ByEvent(types.EventUserTyping)) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(bobHere.ByEvent(types.EventUserTyping)) == 1
	}, waitFor, tick)
	assert.Empty(t, alice.ByEvent(types.EventMessageError))
}
