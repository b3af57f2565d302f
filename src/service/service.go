package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/relay/src/hub"
	"github.com/orchestra-mcp/relay/src/metrics"
	"github.com/orchestra-mcp/relay/src/registry"
	"github.com/orchestra-mcp/relay/src/router"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/orchestra-mcp/relay/src/typing"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures inbound rate limiting. A zero RateRPS disables it.
type Options struct {
	RateRPS   float64
	RateBurst int
}

// Bridge is the cross-instance transport the service can attach.
type Bridge interface {
	hub.MessageBridge
}

// Service wires the relay's event handlers onto a hub and exposes read-only
// queries for the admin surface.
type Service struct {
	hub    *hub.Hub
	router *router.Router
	typing *typing.Relay
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a service backed by h and registers the join, sendMessage and
// typing handlers.
func New(h *hub.Hub, logger zerolog.Logger, opts Options) *Service {
	s := &Service{
		hub:      h,
		router:   router.New(h.Registry(), logger),
		typing:   typing.New(h.Registry(), logger),
		opts:     opts,
		logger:   logger.With().Str("component", "service").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}

	h.RegisterHandler(types.EventJoin, s.handleJoin)
	h.RegisterHandler(types.EventSendMessage, s.handleSend)
	h.RegisterHandler(types.EventTyping, s.handleTyping)
	h.OnDisconnection(s.forget)
	return s
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// AttachBridge routes remote recipients, presence and typing through b.
func (s *Service) AttachBridge(b Bridge) {
	s.hub.SetBridge(b)
	s.router.SetRemote(b)
	s.typing.SetRemote(b)
	s.logger.Info().Msg("bridge attached")
}

func (s *Service) handleJoin(connID string, env types.Envelope) error {
	var p types.JoinPayload
	if err := env.Decode(&p); err != nil {
		s.fail(connID, types.CodeInvalidPayload, "malformed join payload")
		return fmt.Errorf("decode join: %w", err)
	}
	err := s.hub.Join(connID, p.UserID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrConnectionOwned):
		s.fail(connID, types.CodeSenderMismatch, "connection already joined as another user")
	case errors.Is(err, registry.ErrEmptyUser):
		s.fail(connID, types.CodeInvalidPayload, "userId is required")
	default:
		s.fail(connID, types.CodeInvalidPayload, err.Error())
	}
	return err
}

func (s *Service) handleSend(connID string, env types.Envelope) error {
	var p types.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		s.fail(connID, types.CodeInvalidPayload, "malformed sendMessage payload")
		return fmt.Errorf("decode sendMessage: %w", err)
	}
	client := s.hub.Client(connID)
	if client == nil {
		return hub.ErrNotConnected
	}
	if !s.allow(connID, types.EventSendMessage) {
		s.hub.SendToClient(connID, types.MustEnvelope(types.EventMessageError, types.MessageErrorPayload{
			Reason:          "rate limit exceeded",
			Code:            types.CodeRateLimited,
			ClientMessageID: p.ClientMessageID,
			ReceiverID:      p.ReceiverID,
		}))
		return nil
	}
	s.router.Route(client, p)
	return nil
}

func (s *Service) handleTyping(connID string, env types.Envelope) error {
	var p types.TypingPayload
	if err := env.Decode(&p); err != nil {
		return fmt.Errorf("decode typing: %w", err)
	}
	client := s.hub.Client(connID)
	if client == nil {
		return hub.ErrNotConnected
	}
	if !s.allow(connID, types.EventTyping) {
		return nil
	}
	s.typing.Forward(client, p)
	return nil
}

func (s *Service) fail(connID, code, reason string) {
	s.hub.SendToClient(connID, types.MustEnvelope(types.EventMessageError, types.MessageErrorPayload{
		Reason: reason,
		Code:   code,
	}))
}

func (s *Service) allow(connID, event string) bool {
	if s.opts.RateRPS <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[connID]
	if !ok {
		burst := s.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.opts.RateRPS), burst)
		s.limiters[connID] = l
	}
	s.mu.Unlock()
	if !l.Allow() {
		metrics.RateLimited.WithLabelValues(event).Inc()
		return false
	}
	return true
}

func (s *Service) forget(connID string) {
	s.mu.Lock()
	delete(s.limiters, connID)
	s.mu.Unlock()
}

// OnlineUsers returns the users currently online, cluster-wide when a bridge
// is attached.
func (s *Service) OnlineUsers() []types.UserID {
	return s.hub.Presence().Snapshot()
}

// IsOnline reports whether user has a live connection on this instance.
func (s *Service) IsOnline(user types.UserID) bool {
	return s.hub.Registry().IsOnline(user)
}

// ConnectionCount returns the number of connections on this instance.
func (s *Service) ConnectionCount() int {
	return s.hub.ClientCount()
}

// Connections returns the live connections bound to user.
func (s *Service) Connections(user types.UserID) []types.ConnectionInfo {
	var out []types.ConnectionInfo
	for _, c := range s.hub.Connections() {
		if c.UserID == user {
			out = append(out, c)
		}
	}
	return out
}

// Drain stops the hub and waits up to the context deadline for it to finish.
func (s *Service) Drain(ctx context.Context) error {
	s.hub.Stop()
	select {
	case <-s.hub.Stopped():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
