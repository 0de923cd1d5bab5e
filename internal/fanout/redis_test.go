package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"go-dm/internal/domain"

	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRelay_DeliverDecodesEnvelope(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	rooms := NewRooms(log)
	h := NewRecorder("bob")
	rooms.Join(UserRoom("bob"), h)
	relay := NewRedisRelay(nil, "test", rooms, log)

	// Given an envelope as another instance would publish it
	payload, _ := json.Marshal(domain.ErrorPayload{Error: "boom"})
	raw, _ := json.Marshal(envelope{Room: UserRoom("bob"), Event: relayedEvent{Kind: domain.KindError, Payload: payload}})

	// When it is delivered, and a malformed one too
	relay.deliver(context.Background(), string(raw))
	relay.deliver(context.Background(), "{not json")

	// Then the local room got exactly the valid event
	events := h.Events()
	req.Len(events, 1)
	req.Equal(domain.KindError, events[0].Kind)
	req.JSONEq(`{"error":"boom"}`, string(events[0].Payload.(json.RawMessage)))
}

func TestRelay_DeliversLocallyWithoutSubscription(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	rooms := NewRooms(log)
	h := NewRecorder("bob")
	rooms.Join(UserRoom("bob"), h)

	// Given a relay whose subscription loop is not running
	relay := NewRedisRelay(nil, "test", rooms, log)

	// When an event is broadcast
	n := relay.Broadcast(context.Background(), UserRoom("bob"), domain.ErrorEvent(domain.ErrValidation))

	// Then it reaches the local room without touching Redis
	req.Equal(1, n)
	req.Len(h.EventsOf(domain.KindError), 1)
}

// TestRelay_RoundTrip needs a Redis server: TEST_REDIS_ADDR=localhost:6379.
func TestRelay_RoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	rooms := NewRooms(log)
	h := NewRecorder("bob")
	rooms.Join(UserRoom("bob"), h)
	relay := NewRedisRelay(client, "go-dm-test-"+time.Now().Format("150405.000"), rooms, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	req.Eventually(relay.subscribed.Load, 5*time.Second, 10*time.Millisecond)

	// When an event is broadcast through the relay
	n := relay.Broadcast(ctx, UserRoom("bob"), domain.ErrorEvent(domain.ErrValidation))

	// Then it is published rather than delivered inline, and comes back to the local room
	req.Zero(n)
	req.Eventually(func() bool { return len(h.Events()) == 1 }, 5*time.Second, 10*time.Millisecond)
	req.Equal(domain.KindError, h.Events()[0].Kind)

	// When the subscription ends, delivery falls back to the local rooms
	cancel()
	req.Eventually(func() bool { return !relay.subscribed.Load() }, 5*time.Second, 10*time.Millisecond)
	req.Equal(1, relay.Broadcast(context.Background(), UserRoom("bob"), domain.ErrorEvent(domain.ErrValidation)))
}
