package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/relay/src/metrics"
	"github.com/orchestra-mcp/relay/src/registry"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
)

// remoteTimeout bounds each bridge call made on the hub goroutine.
const remoteTimeout = 150 * time.Millisecond

// Remote reaches recipients connected to other instances.
type Remote interface {
	IsOnline(ctx context.Context, user types.UserID) (bool, error)
	Deliver(ctx context.Context, user types.UserID, env types.Envelope) error
}

// Outcome describes how a send request was resolved.
type Outcome struct {
	MessageID string
	Result    string // one of the metrics.Outcome* values
	Code      string // messageError code when rejected or offline
}

// Router delivers messages from one user to all of the recipient's live
// connections and reports the outcome to the issuing connection. Nothing is
// persisted or queued: an offline recipient is a failed delivery.
type Router struct {
	reg    *registry.Registry
	ids    IDGenerator
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	remote Remote
}

// New creates a router over reg.
func New(reg *registry.Registry, logger zerolog.Logger) *Router {
	return &Router{
		reg:    reg,
		logger: logger.With().Str("component", "router").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRemote attaches cross-instance delivery.
func (r *Router) SetRemote(rm Remote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = rm
}

// Route handles a sendMessage request issued on from.
func (r *Router) Route(from types.Sink, p types.SendMessagePayload) Outcome {
	msgType, err := validate(p)
	if err != nil {
		return r.reject(from, p, types.CodeInvalidPayload, err.Error())
	}

	owner, ok := r.reg.Owner(from.ID())
	if !ok {
		return r.reject(from, p, types.CodeNotJoined, "connection has not joined")
	}
	if owner != p.SenderID {
		r.logger.Warn().
			Str("conn_id", from.ID()).
			Str("owner", string(owner)).
			Str("claimed", string(p.SenderID)).
			Msg("sender identity mismatch")
		return r.reject(from, p, types.CodeSenderMismatch, "sender does not match connection")
	}

	now := r.now()
	id := r.ids.Next(now)
	env := types.MustEnvelope(types.EventReceiveMessage, types.ReceiveMessagePayload{
		SenderID:    p.SenderID,
		ReceiverID:  p.ReceiverID,
		Message:     p.Message,
		MessageType: msgType,
		Timestamp:   now,
		MessageID:   id,
	})

	conns := r.reg.ConnectionsFor(p.ReceiverID)
	queued := 0
	for _, c := range conns {
		if c.Enqueue(env) {
			queued++
			continue
		}
		metrics.DroppedFrames.WithLabelValues(env.Event).Inc()
		r.logger.Warn().Str("conn_id", c.ID()).Str("message_id", id).Msg("send buffer full, dropping")
	}
	// Other instances may hold more of the recipient's connections.
	remote := r.deliverRemote(p.ReceiverID, env, len(conns) > 0)

	var result string
	switch {
	case queued > 0:
		result = metrics.OutcomeDelivered
	case remote:
		result = metrics.OutcomeRemote
	case len(conns) > 0:
		return r.undelivered(from, p, id, metrics.OutcomeDropped, types.CodeDeliveryFailed, "recipient send buffers full")
	default:
		return r.undelivered(from, p, id, metrics.OutcomeOffline, types.CodeRecipientOffline, "recipient offline")
	}

	metrics.MessagesRouted.WithLabelValues(result).Inc()
	r.reply(from, types.MustEnvelope(types.EventMessageDelivered, types.DeliveredPayload{
		MessageID:       id,
		ClientMessageID: p.ClientMessageID,
		ReceiverID:      p.ReceiverID,
		Timestamp:       now,
	}))
	r.logger.Debug().
		Str("message_id", id).
		Str("sender", string(p.SenderID)).
		Str("receiver", string(p.ReceiverID)).
		Str("outcome", result).
		Msg("message routed")
	return Outcome{MessageID: id, Result: result}
}

// deliverRemote publishes env for user over the bridge. When the user is
// already known to be online here the directory lookup is skipped.
func (r *Router) deliverRemote(user types.UserID, env types.Envelope, online bool) bool {
	r.mu.RLock()
	rm := r.remote
	r.mu.RUnlock()
	if rm == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	if !online {
		var err error
		online, err = rm.IsOnline(ctx, user)
		if err != nil {
			metrics.BridgeErrors.WithLabelValues(metrics.OpLookup).Inc()
			r.logger.Error().Err(err).Str("receiver", string(user)).Msg("remote presence lookup failed")
			return false
		}
		if !online {
			return false
		}
	}
	if err := rm.Deliver(ctx, user, env); err != nil {
		metrics.BridgeErrors.WithLabelValues(metrics.OpDeliver).Inc()
		r.logger.Error().Err(err).Str("receiver", string(user)).Msg("remote delivery failed")
		return false
	}
	return true
}

func (r *Router) undelivered(from types.Sink, p types.SendMessagePayload, id, result, code, reason string) Outcome {
	metrics.MessagesRouted.WithLabelValues(result).Inc()
	r.reply(from, types.MustEnvelope(types.EventMessageError, types.MessageErrorPayload{
		Reason:          reason,
		Code:            code,
		MessageID:       id,
		ClientMessageID: p.ClientMessageID,
		ReceiverID:      p.ReceiverID,
	}))
	return Outcome{MessageID: id, Result: result, Code: code}
}

func (r *Router) reject(from types.Sink, p types.SendMessagePayload, code, reason string) Outcome {
	metrics.MessagesRouted.WithLabelValues(metrics.OutcomeRejected).Inc()
	r.reply(from, types.MustEnvelope(types.EventMessageError, types.MessageErrorPayload{
		Reason:          reason,
		Code:            code,
		ClientMessageID: p.ClientMessageID,
		ReceiverID:      p.ReceiverID,
	}))
	return Outcome{Result: metrics.OutcomeRejected, Code: code}
}

func (r *Router) reply(to types.Sink, env types.Envelope) {
	if !to.Enqueue(env) {
		metrics.DroppedFrames.WithLabelValues(env.Event).Inc()
		r.logger.Warn().Str("conn_id", to.ID()).Str("event", env.Event).Msg("ack dropped")
	}
}

func validate(p types.SendMessagePayload) (types.MessageType, error) {
	if p.SenderID == "" || p.ReceiverID == "" {
		return "", errMissingIdentity
	}
	if strings.TrimSpace(p.Message) == "" {
		return "", errEmptyMessage
	}
	return types.ParseMessageType(p.MessageType)
}
