package registry

import (
	"sync"
	"testing"
	"time"

	"go-dm/internal/domain"
	"go-dm/internal/fanout"

	"github.com/stretchr/testify/require"
)

type edge struct {
	userID string
	online bool
}

type recordingListener struct {
	mu    sync.Mutex
	edges []edge
}

func (l *recordingListener) UserOnline(userID string, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges = append(l.edges, edge{userID, true})
}

func (l *recordingListener) UserOffline(userID string, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges = append(l.edges, edge{userID, false})
}

func (l *recordingListener) all() []edge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]edge(nil), l.edges...)
}

func TestAddRemove_EdgesOnlyOnFirstAndLast(t *testing.T) {
	req := require.New(t)
	l := &recordingListener{}
	reg := New(l)
	h1, h2 := fanout.NewRecorder("alice"), fanout.NewRecorder("alice")

	// Given two sessions for the same user
	req.True(reg.Add("alice", h1))
	req.False(reg.Add("alice", h2))
	req.True(reg.IsOnline("alice"))
	req.Equal(2, reg.Count())

	// When one disconnects
	req.NoError(reg.Remove("alice", h1))

	// Then she stays online and no offline edge fired
	req.True(reg.IsOnline("alice"))
	req.Equal([]edge{{"alice", true}}, l.all())

	// When the other disconnects
	req.NoError(reg.Remove("alice", h2))

	// Then exactly one offline edge fired
	req.False(reg.IsOnline("alice"))
	req.Equal([]edge{{"alice", true}, {"alice", false}}, l.all())
	req.Empty(reg.OnlineUsers())
}

func TestAdd_DuplicateHandleIsNoop(t *testing.T) {
	req := require.New(t)
	l := &recordingListener{}
	reg := New(l)
	h := fanout.NewRecorder("alice")

	req.True(reg.Add("alice", h))
	req.False(reg.Add("alice", h))

	req.Equal(1, reg.Count())
	req.Len(l.all(), 1)
}

func TestRemove_UnknownHandleIsConnectionStateError(t *testing.T) {
	req := require.New(t)
	l := &recordingListener{}
	reg := New(l)
	h := fanout.NewRecorder("alice")

	// Never added
	req.ErrorIs(reg.Remove("alice", h), domain.ErrConnectionState)

	// Double remove
	reg.Add("alice", h)
	req.NoError(reg.Remove("alice", h))
	req.ErrorIs(reg.Remove("alice", h), domain.ErrConnectionState)

	// Registered for someone else
	other := fanout.NewRecorder("bob")
	reg.Add("bob", other)
	req.ErrorIs(reg.Remove("bob", h), domain.ErrConnectionState)

	req.Equal([]edge{{"alice", true}, {"alice", false}, {"bob", true}}, l.all())
}

func TestHandlesOf_IsSnapshot(t *testing.T) {
	req := require.New(t)
	reg := New(nil)
	h := fanout.NewRecorder("alice")
	reg.Add("alice", h)

	snapshot := reg.HandlesOf("alice")
	req.NoError(reg.Remove("alice", h))

	req.Len(snapshot, 1)
	req.Empty(reg.HandlesOf("alice"))
}

func TestConcurrentSessions_EdgesAlternate(t *testing.T) {
	req := require.New(t)
	l := &recordingListener{}
	reg := New(l)
	var wg sync.WaitGroup

	// Given many sessions of one user connecting and disconnecting concurrently
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := fanout.NewRecorder("alice")
			reg.Add("alice", h)
			_ = reg.Remove("alice", h)
		}()
	}
	wg.Wait()

	// Then the edges strictly alternate and end offline
	edges := l.all()
	req.NotEmpty(edges)
	for i, e := range edges {
		req.Equal(i%2 == 0, e.online, "edge %d", i)
	}
	req.False(edges[len(edges)-1].online)
	req.False(reg.IsOnline("alice"))
}
