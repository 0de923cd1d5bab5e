// Package fanout delivers push events to groups of live connections ("rooms").
//
// There is one room per user id, holding that user's live handles, plus a single
// global room holding every handle. Targeted delivery costs O(room size); the
// global room is the expensive path used by the default presence audience.
package fanout

import (
	"context"
	"log/slog"
	"sync"

	"go-dm/internal/domain"

	"github.com/samber/lo"
)

// GlobalRoom contains every live handle in the process.
const GlobalRoom = "global"

// UserRoom is the room key for all live handles of one user.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Handle is one live transport session bound to exactly one user.
// Send must not block; it reports false when the event could not be queued.
type Handle interface {
	ID() string
	UserID() string
	Send(evt domain.Event) bool
	Close()
}

// Broadcaster is the delivery surface used by the router and the presence tracker.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, evt domain.Event) int
}

type set = map[Handle]struct{}

// Rooms is safe for concurrent use. The lock is never held while a handle is
// sent to or closed.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]set
	log   *slog.Logger
}

func NewRooms(log *slog.Logger) *Rooms {
	return &Rooms{rooms: make(map[string]set), log: log}
}

func (r *Rooms) Join(room string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(set)
		r.rooms[room] = members
	}
	members[h] = struct{}{}
}

// Leave is idempotent. Empty rooms are dropped so the map does not grow forever.
func (r *Rooms) Leave(room string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, h)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns a snapshot of the handles currently in room.
func (r *Rooms) Members(room string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.rooms[room])
}

// Broadcast queues evt on every handle of room and returns how many accepted it.
// A handle that cannot accept (full buffer or already closed) is closed, which
// runs its normal disconnect path.
func (r *Rooms) Broadcast(_ context.Context, room string, evt domain.Event) int {
	members := r.Members(room)
	delivered := 0
	for _, h := range members {
		if h.Send(evt) {
			delivered++
			continue
		}
		r.log.Warn("Dropping slow or closed connection",
			"room", room, "user_id", h.UserID(), "handle", h.ID(), "kind", evt.Kind)
		h.Close()
	}
	return delivered
}

// CloseAll closes every handle known to any room. Used on shutdown.
func (r *Rooms) CloseAll() int {
	handles := r.Members(GlobalRoom)
	for _, h := range handles {
		h.Close()
	}
	return len(handles)
}
