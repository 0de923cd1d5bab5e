package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go-dm/internal/fanout"
	"go-dm/internal/presence"
	"go-dm/internal/registry"
)

// ClientOptions tune every websocket session served by the hub.
type ClientOptions struct {
	HeartbeatTimeout time.Duration // no pong or frame within this window => closed
	WriteWait        time.Duration
	MaxMessageSize   int64
	SendBufferSize   int
	CommandTimeout   time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	return o
}

// Hub owns the live state of one process: rooms, the connection registry, the
// presence tracker and the message router. It is built once in main and passed
// to the handlers that need it.
type Hub struct {
	Rooms    *fanout.Rooms
	Registry *registry.Registry
	Presence *presence.Tracker
	Router   *Router

	opts ClientOptions
	log  *slog.Logger
	wg   sync.WaitGroup
}

func NewHub(rooms *fanout.Rooms, reg *registry.Registry, tracker *presence.Tracker, router *Router, opts ClientOptions, log *slog.Logger) *Hub {
	return &Hub{
		Rooms:    rooms,
		Registry: reg,
		Presence: tracker,
		Router:   router,
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// Connect makes h reachable through the user's room and the global room, then
// registers it. The first handle of a user flips them online.
func (h *Hub) Connect(userID string, handle fanout.Handle) {
	h.Rooms.Join(fanout.UserRoom(userID), handle)
	h.Rooms.Join(fanout.GlobalRoom, handle)
	first := h.Registry.Add(userID, handle)
	h.log.Info("Client connected", "user_id", userID, "handle", handle.ID(),
		"first_session", first, "total_clients", h.Registry.Count())
}

// Disconnect is safe to call more than once for the same handle; later calls
// are logged and ignored.
func (h *Hub) Disconnect(userID string, handle fanout.Handle) {
	h.Rooms.Leave(fanout.UserRoom(userID), handle)
	h.Rooms.Leave(fanout.GlobalRoom, handle)
	if err := h.Registry.Remove(userID, handle); err != nil {
		h.log.Warn("Ignoring disconnect", "user_id", userID, "handle", handle.ID(), "error", err)
		return
	}
	h.log.Info("Client disconnected", "user_id", userID, "handle", handle.ID(),
		"still_online", h.Registry.IsOnline(userID), "total_clients", h.Registry.Count())
}

// CloseSessions hangs up every connection of userID. Presence follows through
// the normal disconnect path.
func (h *Hub) CloseSessions(userID string) int {
	handles := h.Registry.HandlesOf(userID)
	for _, handle := range handles {
		handle.Close()
	}
	return len(handles)
}

// Shutdown closes every live connection and waits for their goroutines.
func (h *Hub) Shutdown(ctx context.Context) error {
	closed := h.Rooms.CloseAll()
	h.log.Info("Closing client connections", "count", closed)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
