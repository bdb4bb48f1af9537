package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRelayChannel is the Redis pub/sub channel used when none is set.
const DefaultRelayChannel = "careflow:events"

// relayEnvelope is the message exchanged between instances. Origin lets an
// instance ignore its own publications, which it already delivered locally.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Target Target          `json:"target"`
	Frame  json.RawMessage `json:"frame"`
}

// RemoteDeliverer receives frames published by other instances.
type RemoteDeliverer interface {
	DeliverRemote(target Target, frame []byte) int
}

// RedisRelay fans routed events out to every other server instance over a
// Redis pub/sub channel, so a user connected to instance B receives events
// handled on instance A.
type RedisRelay struct {
	rdb        *goredis.Client
	channel    string
	instanceID string
	logger     zerolog.Logger
}

func NewRedisRelay(rdb *goredis.Client, channel, instanceID string, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		rdb:        rdb,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "relay").Str("channel", channel).Logger(),
	}
}

// Publish implements Relay.
func (r *RedisRelay) Publish(ctx context.Context, target Target, frame []byte) error {
	raw, err := r.encode(target, frame)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// Start subscribes to the relay channel and forwards every foreign frame to
// dst until ctx is cancelled. It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context, dst RemoteDeliverer) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				r.handleMessage(m.Payload, dst)
			}
		}
	}()

	r.logger.Info().Str("instance", r.instanceID).Msg("relay subscribed")
	return nil
}

func (r *RedisRelay) encode(target Target, frame []byte) ([]byte, error) {
	raw, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Target: target, Frame: frame})
	if err != nil {
		return nil, fmt.Errorf("marshal relay envelope: %w", err)
	}
	return raw, nil
}

// handleMessage decodes one pub/sub payload and delivers it locally unless
// it originated here. It returns the number of local deliveries.
func (r *RedisRelay) handleMessage(payload string, dst RemoteDeliverer) int {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("bad relay payload")
		return 0
	}
	if env.Origin == r.instanceID {
		return 0
	}
	if err := env.Target.Validate(); err != nil {
		r.logger.Warn().Err(err).Str("origin", env.Origin).Msg("bad relay target")
		return 0
	}
	return dst.DeliverRemote(env.Target, env.Frame)
}

// Close closes the underlying Redis client.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
