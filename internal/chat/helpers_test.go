package chat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"go-dm/internal/domain"
	"go-dm/internal/fanout"
	"go-dm/internal/presence"
	"go-dm/internal/registry"
	"go-dm/internal/store/memory"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store *memory.Store
	rooms *fanout.Rooms
	hub   *Hub
	log   *slog.Logger
}

// newTestEnv wires a hub over the memory store with the presence loop running.
func newTestEnv(t *testing.T, opts ClientOptions, users ...string) testEnv {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := memory.New()
	for _, name := range users {
		_, err := store.CreateUser(context.Background(), domain.User{ID: name, Username: name, Email: name + "@example.com", DisplayName: name})
		require.NoError(t, err)
	}
	rooms := fanout.NewRooms(log)
	tracker := presence.NewTracker(store, rooms, nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tracker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	router := NewRouter(store, store, rooms, log)
	hub := NewHub(rooms, registry.New(tracker), tracker, router, opts, log)
	return testEnv{store: store, rooms: rooms, hub: hub, log: log}
}

// connect registers an in-process session whose Close runs the hub's disconnect path.
func (e testEnv) connect(userID string) *fanout.Recorder {
	r := fanout.NewRecorder(userID).OnClose(func(r *fanout.Recorder) {
		e.hub.Disconnect(r.UserID(), r)
	})
	e.hub.Connect(userID, r)
	return r
}

func statusChanges(r *fanout.Recorder, userID string) []domain.StatusChangePayload {
	var out []domain.StatusChangePayload
	for _, evt := range r.EventsOf(domain.KindStatusChange) {
		p := evt.Payload.(domain.StatusChangePayload)
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
