// Package registry tracks which live connection handles belong to which user.
//
// It is pure membership bookkeeping: it never touches persistence. The only
// side effect is signalling a Listener when a user's handle set goes from empty
// to non-empty or back.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go-dm/internal/domain"
	"go-dm/internal/fanout"

	"github.com/samber/lo"
)

// Listener receives presence edges. Calls happen while the registry lock is
// held, which keeps the edges of one user in order; implementations must not
// block and must not call back into the Registry.
type Listener interface {
	UserOnline(userID string, at time.Time)
	UserOffline(userID string, at time.Time)
}

type Registry struct {
	mu       sync.RWMutex
	handles  map[string]map[fanout.Handle]struct{}
	listener Listener
	now      func() time.Time
}

func New(listener Listener) *Registry {
	return &Registry{
		handles:  make(map[string]map[fanout.Handle]struct{}),
		listener: listener,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Add registers h for userID and reports whether it is the user's first handle.
// Adding a handle that is already present changes nothing.
func (r *Registry) Add(userID string, h fanout.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handles[userID]
	if !ok {
		set = make(map[fanout.Handle]struct{})
		r.handles[userID] = set
	}
	if _, exists := set[h]; exists {
		return false
	}
	set[h] = struct{}{}

	first := len(set) == 1
	if first && r.listener != nil {
		r.listener.UserOnline(userID, r.now())
	}
	return first
}

// Remove unregisters h. Removing a handle that is not registered (double close,
// or a handle that never made it in) returns ErrConnectionState and leaves the
// set untouched.
func (r *Registry) Remove(userID string, h fanout.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handles[userID]
	if !ok {
		return fmt.Errorf("%w: user %s has no live handles", domain.ErrConnectionState, userID)
	}
	if _, exists := set[h]; !exists {
		return fmt.Errorf("%w: handle %s is not registered for user %s", domain.ErrConnectionState, h.ID(), userID)
	}
	delete(set, h)

	if len(set) == 0 {
		delete(r.handles, userID)
		if r.listener != nil {
			r.listener.UserOffline(userID, r.now())
		}
	}
	return nil
}

// HandlesOf returns a snapshot of the user's handles, possibly empty.
func (r *Registry) HandlesOf(userID string) []fanout.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.handles[userID])
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles[userID]) > 0
}

// OnlineUsers returns the ids of every user with at least one handle, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.handles)
	sort.Strings(ids)
	return ids
}

// Count returns the total number of live handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.handles {
		n += len(set)
	}
	return n
}
