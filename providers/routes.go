package providers

import (
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/relay/src/hub"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Handler returns the root fasthttp handler: WebSocket upgrades on /ws,
// Prometheus on /metrics and everything else through the Fiber app.
// Fiber v3 does not expose *fasthttp.RequestCtx, so the upgrade has to sit
// in front of it.
func (p *RelayProvider) Handler() fasthttp.RequestHandler {
	ws := p.FastHTTPHandler()
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	api := p.app.Handler()

	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			ws(ctx)
		case "/metrics":
			metrics(ctx)
		default:
			api(ctx)
		}
	}
}

// FastHTTPHandler returns a raw fasthttp handler for WebSocket upgrades.
func (p *RelayProvider) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		connID := uuid.New().String()
		h := p.hub
		sock := p.cfg.Socket

		err := p.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			conn.SetReadLimit(sock.MaxMessageBytes)
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(sock.PongWait))
			})
			client := hub.NewClient(connID, &fasthttpConn{conn: conn, writeTimeout: sock.WriteTimeout}, h)
			h.Register(client)
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			p.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// fasthttpConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type fasthttpConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (f *fasthttpConn) WriteJSON(v any) error {
	if err := f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
		return err
	}
	return f.conn.WriteJSON(v)
}

func (f *fasthttpConn) Ping() error {
	return f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.writeTimeout))
}

func (f *fasthttpConn) ReadJSON(v any) error              { return f.conn.ReadJSON(v) }
func (f *fasthttpConn) SetReadDeadline(t time.Time) error { return f.conn.SetReadDeadline(t) }
func (f *fasthttpConn) Close() error                      { return f.conn.Close() }
