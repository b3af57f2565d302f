package providers

import (
	"context"
	"errors"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/relay/config"
	"github.com/orchestra-mcp/relay/src/bridge"
	"github.com/orchestra-mcp/relay/src/hub"
	"github.com/orchestra-mcp/relay/src/service"
	"github.com/rs/zerolog"
)

// RelayProvider owns the relay's runtime: hub, service, optional Redis
// bridge and the HTTP surface built on top of them.
type RelayProvider struct {
	active   bool
	cfg      config.Config
	logger   zerolog.Logger
	hub      *hub.Hub
	service  *service.Service
	bridge   bridge.Bridge
	app      *fiber.App
	upgrader websocket.FastHTTPUpgrader
}

// NewRelayProvider creates a provider instance. Nothing runs until Activate.
func NewRelayProvider(cfg config.Config, logger zerolog.Logger) *RelayProvider {
	return &RelayProvider{cfg: cfg, logger: logger}
}

func (p *RelayProvider) ID() string      { return "orchestra/relay" }
func (p *RelayProvider) Name() string    { return "Relay" }
func (p *RelayProvider) Version() string { return "0.2.0" }
func (p *RelayProvider) IsActive() bool  { return p.active }

// Activate initializes the hub and service, starts the event loop and
// connects the bridge when enabled.
func (p *RelayProvider) Activate() error {
	if p.active {
		return errors.New("relay provider already active")
	}
	sock := p.cfg.Socket
	p.hub = hub.New(p.logger, hub.Options{
		SendBuffer:   sock.SendBuffer,
		PingInterval: sock.PingInterval,
		PongWait:     sock.PongWait,
	})
	p.service = service.New(p.hub, p.logger, service.Options{
		RateRPS:   p.cfg.RateRPS,
		RateBurst: p.cfg.RateBurst,
	})
	p.upgrader = websocket.FastHTTPUpgrader{
		ReadBufferSize:  sock.ReadBufferSize,
		WriteBufferSize: sock.WriteBufferSize,
	}
	p.app = fiber.New()
	p.RegisterRoutes(p.app)

	go p.hub.Run()

	if p.cfg.RedisEnabled {
		p.initBridge()
	}

	p.active = true
	p.logger.Info().Str("provider", p.ID()).Msg("relay provider activated")
	return nil
}

// initBridge tries to start the Redis bridge.
// If Redis is not reachable, the hub runs in standalone mode.
func (p *RelayProvider) initBridge() {
	cfg := bridge.RedisConfigFromEnv()
	rb := bridge.NewRedisBridge(cfg, p.hub, p.logger)

	if err := rb.Start(); err != nil {
		p.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		return
	}

	p.bridge = rb
	p.service.AttachBridge(rb)
	p.logger.Info().Str("redis_addr", cfg.Addr).Msg("redis bridge connected")
}

// Deactivate drains the hub and then stops the bridge, so cluster presence
// counts are released while Redis is still reachable.
func (p *RelayProvider) Deactivate(ctx context.Context) error {
	if !p.active {
		return nil
	}
	var errs []error
	if err := p.service.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.bridge != nil {
		if err := p.bridge.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("bridge stop error")
			errs = append(errs, err)
		}
		p.bridge = nil
	}
	p.active = false
	return errors.Join(errs...)
}

// Service exposes the relay service.
func (p *RelayProvider) Service() *service.Service { return p.service }

// Hub exposes the underlying hub.
func (p *RelayProvider) Hub() *hub.Hub { return p.hub }
