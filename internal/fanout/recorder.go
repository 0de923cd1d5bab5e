package fanout

import (
	"sync"

	"go-dm/internal/domain"

	"github.com/google/uuid"
)

// Recorder is an in-process Handle that keeps every event it accepts.
// Tests across packages use it in place of a websocket client.
type Recorder struct {
	id     string
	userID string

	mu      sync.Mutex
	events  []domain.Event
	closed  bool
	onClose func(*Recorder)
}

func NewRecorder(userID string) *Recorder {
	return &Recorder{id: uuid.NewString(), userID: userID}
}

// OnClose registers fn to run once, the first time Close is called.
func (r *Recorder) OnClose(fn func(*Recorder)) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = fn
	return r
}

func (r *Recorder) ID() string     { return r.id }
func (r *Recorder) UserID() string { return r.userID }

func (r *Recorder) Send(evt domain.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.events = append(r.events, evt)
	return true
}

func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	fn := r.onClose
	r.mu.Unlock()

	if fn != nil {
		fn(r)
	}
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Events returns a copy of everything received so far.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// EventsOf filters the received events by kind.
func (r *Recorder) EventsOf(kind domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, evt := range r.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}
