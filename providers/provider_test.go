package providers

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/relay/config"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func testConfig() config.Config {
	return config.Config{
		Addr:            ":0",
		ShutdownTimeout: time.Second,
		Socket:          *config.DefaultConfig(),
		LogLevel:        "info",
		RateBurst:       1,
	}
}

// startRelay serves the provider on an in-memory listener and returns a dialer.
func startRelay(t *testing.T) (*RelayProvider, func() *websocket.Conn) {
	t.Helper()
	p := NewRelayProvider(testConfig(), zerolog.Nop())
	require.NoError(t, p.Activate())

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: p.Handler()}
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Deactivate(ctx)
		_ = ln.Close()
	})

	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) { return ln.Dial() },
	}
	dial := func() *websocket.Conn {
		conn, _, err := dialer.Dial("ws://relay.test/ws", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	return p, dial
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(types.MustEnvelope(event, payload)))
}

// readUntil reads frames until one carries event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env types.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func get(p *RelayProvider, path string) (int, map[string]any) {
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI(path)
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	p.Handler()(&ctx)

	var body map[string]any
	_ = json.Unmarshal(ctx.Response.Body(), &body)
	return ctx.Response.StatusCode(), body
}

func TestWebSocketConversation(t *testing.T) {
	_, dial := startRelay(t)

	alice := dial()
	send(t, alice, types.EventJoin, types.JoinPayload{UserID: "alice"})
	readUntil(t, alice, types.EventOnlineUsers)

	bob := dial()
	send(t, bob, types.EventJoin, types.JoinPayload{UserID: "bob"})
	readUntil(t, bob, types.EventOnlineUsers)

	var online types.PresencePayload
	require.NoError(t, readUntil(t, alice, types.EventUserOnline).Decode(&online))
	assert.Equal(t, types.UserID("bob"), online.UserID)

	send(t, alice, types.EventSendMessage, types.SendMessagePayload{
		SenderID: "alice", ReceiverID: "bob", Message: "hi", ClientMessageID: "tmp-1",
	})

	var got types.ReceiveMessagePayload
	require.NoError(t, readUntil(t, bob, types.EventReceiveMessage).Decode(&got))
	var ack types.DeliveredPayload
	require.NoError(t, readUntil(t, alice, types.EventMessageDelivered).Decode(&ack))
	assert.Equal(t, "hi", got.Message)
	assert.Equal(t, got.MessageID, ack.MessageID)
	assert.Equal(t, "tmp-1", ack.ClientMessageID)

	require.NoError(t, bob.Close())
	var offline types.PresencePayload
	require.NoError(t, readUntil(t, alice, types.EventUserOffline).Decode(&offline))
	assert.Equal(t, types.UserID("bob"), offline.UserID)
}

func TestUpgradeRequired(t *testing.T) {
	p, _ := startRelay(t)
	status, body := get(p, "/ws")
	assert.Equal(t, fasthttp.StatusUpgradeRequired, status)
	assert.Equal(t, "upgrade_required", body["error"])
}

func TestAdminRoutes(t *testing.T) {
	p, dial := startRelay(t)

	status, body := get(p, "/healthz")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	carol := dial()
	send(t, carol, types.EventJoin, types.JoinPayload{UserID: "carol"})
	readUntil(t, carol, types.EventOnlineUsers)

	status, body = get(p, "/api/presence")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, []any{"carol"}, body["userIds"])

	status, body = get(p, "/api/connections/carol")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Len(t, body["connections"], 1)

	status, _ = get(p, "/api/connections/nobody")
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, body = get(p, "/ws/info")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "/ws", body["endpoint"])
	assert.Equal(t, false, body["bridge"])
}

func TestMetricsEndpoint(t *testing.T) {
	p, _ := startRelay(t)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	p.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "relay_connections")
}

func TestActivateTwiceFails(t *testing.T) {
	p, _ := startRelay(t)
	assert.True(t, p.IsActive())
	assert.Error(t, p.Activate())
}
