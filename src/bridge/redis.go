package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned by operations attempted before Start or after Stop.
var ErrUnavailable = errors.New("bridge: not connected")

type eventKind string

const (
	kindDeliver eventKind = "deliver"
	kindOnline  eventKind = "online"
	kindOffline eventKind = "offline"
)

// redisEnvelope wraps an event with the originating instance ID
// so that a node can skip its own published events.
type redisEnvelope struct {
	InstanceID string         `json:"instance_id"`
	Kind       eventKind      `json:"kind"`
	UserID     types.UserID   `json:"user_id"`
	Envelope   types.Envelope `json:"envelope,omitempty"`
}

// The connection count and the online set change together so a user is in
// the set exactly while some instance holds a connection for them.
var (
	markOnlineScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('SADD', KEYS[2], ARGV[1]) end
return n`)

	markOfflineScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
end
return n`)
)

// RedisBridge relays frames and presence between server instances via Redis
// pub/sub, and keeps the cluster presence directory in Redis keys.
type RedisBridge struct {
	client     *redis.Client
	cfg        *RedisConfig
	instanceID string
	hub        BroadcastTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge that uses Redis for cross-instance messaging.
func NewRedisBridge(cfg *RedisConfig, hub BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		cfg:        cfg,
		instanceID: uuid.New().String(),
		hub:        hub,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this node on the events channel.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Start subscribes to the Redis events channel and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	channel := b.cfg.eventsChannel()
	sub := b.client.Subscribe(b.ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		_ = sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", channel).
		Msg("redis bridge started")
	return nil
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// MarkOnline increments the user's cluster connection count. When the count
// goes from zero to one the transition is published to the other instances.
func (b *RedisBridge) MarkOnline(ctx context.Context, user types.UserID) (bool, error) {
	if !b.Available() {
		return false, ErrUnavailable
	}
	keys := []string{b.cfg.presenceKey(string(user)), b.cfg.onlineSet()}
	n, err := markOnlineScript.Run(ctx, b.client, keys, string(user)).Int64()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	if err := b.publish(ctx, redisEnvelope{Kind: kindOnline, UserID: user}); err != nil {
		b.logger.Warn().Err(err).Str("user_id", string(user)).Msg("online publish failed")
	}
	return true, nil
}

// MarkOffline decrements the user's cluster connection count and publishes
// the transition when it reaches zero.
func (b *RedisBridge) MarkOffline(ctx context.Context, user types.UserID) (bool, error) {
	if !b.Available() {
		return false, ErrUnavailable
	}
	keys := []string{b.cfg.presenceKey(string(user)), b.cfg.onlineSet()}
	n, err := markOfflineScript.Run(ctx, b.client, keys, string(user)).Int64()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := b.publish(ctx, redisEnvelope{Kind: kindOffline, UserID: user}); err != nil {
		b.logger.Warn().Err(err).Str("user_id", string(user)).Msg("offline publish failed")
	}
	return true, nil
}

// IsOnline reports whether any instance holds a connection for user.
func (b *RedisBridge) IsOnline(ctx context.Context, user types.UserID) (bool, error) {
	if !b.Available() {
		return false, ErrUnavailable
	}
	return b.client.SIsMember(ctx, b.cfg.onlineSet(), string(user)).Result()
}

// OnlineUsers returns every user online anywhere in the cluster.
func (b *RedisBridge) OnlineUsers(ctx context.Context) ([]types.UserID, error) {
	if !b.Available() {
		return nil, ErrUnavailable
	}
	members, err := b.client.SMembers(ctx, b.cfg.onlineSet()).Result()
	if err != nil {
		return nil, err
	}
	users := make([]types.UserID, len(members))
	for i, m := range members {
		users[i] = types.UserID(m)
	}
	return users, nil
}

// Deliver publishes env for user. Instances without a connection for the
// user drop it.
func (b *RedisBridge) Deliver(ctx context.Context, user types.UserID, env types.Envelope) error {
	if !b.Available() {
		return ErrUnavailable
	}
	return b.publish(ctx, redisEnvelope{Kind: kindDeliver, UserID: user, Envelope: env})
}

func (b *RedisBridge) publish(ctx context.Context, env redisEnvelope) error {
	env.InstanceID = b.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.cfg.eventsChannel(), data).Err()
}

// listen reads events from the Redis subscription and forwards to the local hub.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleRedisMessage decodes an envelope and forwards non-self events to the hub.
func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}

	// Skip events that originated from this instance.
	if env.InstanceID == b.instanceID {
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("kind", string(env.Kind)).
		Str("user_id", string(env.UserID)).
		Msg("relaying event from redis")

	switch env.Kind {
	case kindDeliver:
		b.hub.DeliverLocal(env.UserID, env.Envelope)
	case kindOnline:
		b.hub.RemoteOnline(env.UserID)
	case kindOffline:
		b.hub.RemoteOffline(env.UserID)
	default:
		b.logger.Warn().Str("kind", string(env.Kind)).Msg("unknown bridge event")
	}
}
