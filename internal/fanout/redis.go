package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"go-dm/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisRelay publishes room broadcasts on a Redis channel and delivers every
// envelope it receives back to the local rooms, so instances sharing the channel
// see each other's events. Presence state itself is not shared.
type RedisRelay struct {
	redis   *redis.Client
	channel string
	local   *Rooms
	log     *slog.Logger

	// subscribed is true while Run holds a confirmed subscription.
	subscribed atomic.Bool
}

type envelope struct {
	Room  string       `json:"room"`
	Event relayedEvent `json:"event"`
}

type relayedEvent struct {
	Kind    domain.EventKind `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

func NewRedisRelay(client *redis.Client, channel string, local *Rooms, log *slog.Logger) *RedisRelay {
	return &RedisRelay{redis: client, channel: channel, local: local, log: log}
}

// Broadcast publishes the event. Local delivery happens when the subscription
// loop receives it back, so the returned count is 0 unless the relay delivered
// locally: when publishing failed or no subscription is live.
func (r *RedisRelay) Broadcast(ctx context.Context, room string, evt domain.Event) int {
	if !r.subscribed.Load() {
		return r.local.Broadcast(ctx, room, evt)
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		r.log.Error("Failed to encode relayed event", "kind", evt.Kind, "error", err)
		return 0
	}
	data, err := json.Marshal(envelope{Room: room, Event: relayedEvent{Kind: evt.Kind, Payload: payload}})
	if err != nil {
		r.log.Error("Failed to encode relay envelope", "kind", evt.Kind, "error", err)
		return 0
	}
	if err := r.redis.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Error("Redis publish failed, delivering locally", "channel", r.channel, "error", err)
		return r.local.Broadcast(ctx, room, evt)
	}
	return 0
}

// Run subscribes to the relay channel until ctx is done. While it is not
// subscribed, Broadcast delivers to the local rooms only.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.redis.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	r.log.Info("Subscribed to relay channel", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.log.Warn("Ignoring malformed relay envelope", "error", err)
		return
	}
	r.local.Broadcast(ctx, env.Room, domain.Event{Kind: env.Event.Kind, Payload: env.Event.Payload})
}
