package auditplan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultEventsChannel is the Pub/Sub channel used when none is configured.
const DefaultEventsChannel = "auditplan.events"

// RedisRelay publishes plan events to the local broker and to a Redis channel,
// and re-injects events from other processes into the local broker.
type RedisRelay struct {
	client   *redis.Client
	channel  string
	local    *Broker
	origin   string
	logger   *slog.Logger
	onRemote func(PlanEvent)
}

type relayEnvelope struct {
	Origin string    `json:"origin"`
	Event  PlanEvent `json:"event"`
}

// NewRedisRelay constructs a relay bound to channel.
func NewRedisRelay(client *redis.Client, channel string, local *Broker, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultEventsChannel
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisRelay{client: client, channel: channel, local: local, origin: uuid.NewString(), logger: logger}
}

// Publish delivers evt locally, then fans it out to other processes.
func (r *RedisRelay) Publish(ctx context.Context, evt PlanEvent) error {
	if r.local != nil {
		_ = r.local.Publish(ctx, evt)
	}
	if r.client == nil {
		return nil
	}
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: evt})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("auditplan: relay publish: %w", err)
	}
	return nil
}

// OnRemote registers fn to run for each event from another process before it
// reaches the local broker. Call it before Listen.
func (r *RedisRelay) OnRemote(fn func(PlanEvent)) {
	r.onRemote = fn
}

// Listen subscribes to the channel and forwards remote events until ctx ends.
// It returns once the subscription is confirmed.
func (r *RedisRelay) Listen(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("auditplan: relay subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("relay decode", slog.Any("error", err))
					continue
				}
				if env.Origin == r.origin {
					continue
				}
				if r.onRemote != nil {
					r.onRemote(env.Event)
				}
				if r.local != nil {
					_ = r.local.Publish(ctx, env.Event)
				}
			}
		}
	}()
	return nil
}
