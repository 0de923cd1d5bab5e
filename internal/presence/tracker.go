// Package presence holds the per-user Online/Offline state machine.
//
// The Tracker is fed by the connection registry. Edges update in-memory state
// immediately and are queued; a single Run loop persists each transition and
// then broadcasts it, in the order the edges happened.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go-dm/internal/domain"
	"go-dm/internal/fanout"
)

type transition struct {
	status    domain.UserStatus
	broadcast bool
	// retired transitions belong to a deleted user: nothing is persisted and
	// rooms, resolved before the deletion, replace the audience lookup.
	retired bool
	rooms   []string
}

type Tracker struct {
	statuses domain.StatusStore
	out      fanout.Broadcaster
	audience Audience
	log      *slog.Logger

	mu     sync.Mutex
	states map[string]domain.UserStatus
	queue  []transition
	notify chan struct{}
	now    func() time.Time
}

func NewTracker(statuses domain.StatusStore, out fanout.Broadcaster, audience Audience, log *slog.Logger) *Tracker {
	if audience == nil {
		audience = GlobalAudience{}
	}
	return &Tracker{
		statuses: statuses,
		out:      out,
		audience: audience,
		log:      log,
		states:   make(map[string]domain.UserStatus),
		notify:   make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UserOnline implements registry.Listener.
func (t *Tracker) UserOnline(userID string, at time.Time) {
	t.transition(userID, true, at)
}

// UserOffline implements registry.Listener.
func (t *Tracker) UserOffline(userID string, at time.Time) {
	t.transition(userID, false, at)
}

func (t *Tracker) transition(userID string, online bool, at time.Time) {
	t.mu.Lock()
	current, seen := t.states[userID]
	if (seen && current.IsOnline == online) || (!seen && !online) {
		t.mu.Unlock()
		t.log.Debug("Ignoring repeated presence edge", "user_id", userID, "online", online)
		return
	}
	status := domain.UserStatus{UserID: userID, IsOnline: online, LastActive: at}
	t.states[userID] = status
	t.queue = append(t.queue, transition{status: status, broadcast: true})
	t.mu.Unlock()

	t.wake()
}

// Touch bumps LastActive without a state change. The row is written through the
// same queue so it can never overtake a pending transition.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	status := t.states[userID]
	status.UserID = userID
	status.LastActive = t.now()
	t.states[userID] = status
	t.queue = append(t.queue, transition{status: status})
	t.mu.Unlock()

	t.wake()
}

func (t *Tracker) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[userID].IsOnline
}

// Status returns the live state, falling back to the persisted row for users
// this process has not seen.
func (t *Tracker) Status(ctx context.Context, userID string) (domain.UserStatus, error) {
	t.mu.Lock()
	status, ok := t.states[userID]
	t.mu.Unlock()
	if ok {
		return status, nil
	}

	stored, found, err := t.statuses.GetStatus(ctx, userID)
	if err != nil {
		return domain.UserStatus{}, domain.Persistence("get status", err)
	}
	if !found {
		return domain.UserStatus{UserID: userID}, nil
	}
	// A persisted "online" from a previous process run is stale: nobody is
	// connected here.
	stored.IsOnline = false
	return stored, nil
}

// StatusesOf resolves several users at once, live state winning over stored rows.
func (t *Tracker) StatusesOf(ctx context.Context, userIDs []string) (map[string]domain.UserStatus, error) {
	out := make(map[string]domain.UserStatus, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	stored, err := t.statuses.StatusesOf(ctx, userIDs)
	if err != nil {
		return nil, domain.Persistence("get statuses", err)
	}
	for id, status := range stored {
		status.IsOnline = false
		out[id] = status
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range userIDs {
		if live, ok := t.states[id]; ok {
			out[id] = live
		}
	}
	return out, nil
}

// AudienceOf resolves the rooms that currently hear about userID.
func (t *Tracker) AudienceOf(ctx context.Context, userID string) ([]string, error) {
	return t.audience.Rooms(ctx, userID)
}

// Retire drops the state of a deleted user. If they were online, an offline
// change is broadcast to rooms without writing the store. The disconnects that
// follow find no state and are ignored.
func (t *Tracker) Retire(userID string, rooms []string) {
	t.mu.Lock()
	current := t.states[userID]
	delete(t.states, userID)
	if !current.IsOnline {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, transition{
		status:    domain.UserStatus{UserID: userID, IsOnline: false, LastActive: t.now()},
		broadcast: true,
		retired:   true,
		rooms:     rooms,
	})
	t.mu.Unlock()

	t.wake()
}

// Pending reports how many transitions are waiting to be persisted.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Run persists and broadcasts queued transitions until ctx is done, then drains
// whatever is left so offline edges produced during shutdown are not lost.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.drain(context.WithoutCancel(ctx))
			t.log.Debug("Presence tracker stopped")
			return
		case <-t.notify:
			t.drain(ctx)
		}
	}
}

func (t *Tracker) drain(ctx context.Context) {
	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, tr := range batch {
			t.apply(ctx, tr)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, tr transition) {
	s := tr.status
	if !tr.retired {
		if err := t.statuses.UpsertStatus(ctx, s.UserID, s.IsOnline, s.LastActive); err != nil {
			t.log.Error("Presence transition not persisted, skipping broadcast",
				"user_id", s.UserID, "online", s.IsOnline, "error", domain.Persistence("upsert status", err))
			return
		}
	}
	if !tr.broadcast {
		return
	}

	rooms := tr.rooms
	if rooms == nil {
		var err error
		rooms, err = t.audience.Rooms(ctx, s.UserID)
		if err != nil {
			t.log.Warn("Audience lookup failed, notifying the user's own sessions only",
				"user_id", s.UserID, "error", err)
			rooms = []string{fanout.UserRoom(s.UserID)}
		}
	}
	evt := domain.StatusChangeEvent(s)
	for _, room := range rooms {
		t.out.Broadcast(ctx, room, evt)
	}
	t.log.Debug("Presence changed", "user_id", s.UserID, "online", s.IsOnline, "rooms", len(rooms))
}
