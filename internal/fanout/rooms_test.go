package fanout

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"go-dm/internal/domain"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func newRooms() *Rooms {
	return NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug))
}

func TestBroadcast_TargetsOnlyTheRoom(t *testing.T) {
	req := require.New(t)
	rooms := newRooms()

	// Given two sessions for alice and one for bob
	a1, a2, b := NewRecorder("alice"), NewRecorder("alice"), NewRecorder("bob")
	rooms.Join(UserRoom("alice"), a1)
	rooms.Join(UserRoom("alice"), a2)
	rooms.Join(UserRoom("bob"), b)

	// When alice's room is targeted
	n := rooms.Broadcast(context.Background(), UserRoom("alice"), domain.ErrorEvent(domain.ErrValidation))

	// Then both of her sessions got it and bob got nothing
	req.Equal(2, n)
	req.Len(a1.Events(), 1)
	req.Len(a2.Events(), 1)
	req.Empty(b.Events())
}

func TestBroadcast_EmptyRoom(t *testing.T) {
	req := require.New(t)
	rooms := newRooms()

	// When nobody is in the room
	n := rooms.Broadcast(context.Background(), UserRoom("ghost"), domain.ErrorEvent(domain.ErrValidation))

	// Then nothing is delivered
	req.Zero(n)
}

func TestBroadcast_ClosesHandlesThatRefuse(t *testing.T) {
	req := require.New(t)
	rooms := newRooms()

	// Given a handle that is already closed but still a member
	dead := NewRecorder("alice")
	live := NewRecorder("alice")
	rooms.Join(GlobalRoom, dead)
	rooms.Join(GlobalRoom, live)
	var closedCalls int
	dead.OnClose(func(*Recorder) { closedCalls++ })
	dead.Close()

	// When a broadcast reaches it
	n := rooms.Broadcast(context.Background(), GlobalRoom, domain.ErrorEvent(domain.ErrValidation))

	// Then only the live one counts and the dead one was not closed twice
	req.Equal(1, n)
	req.Equal(1, closedCalls)
}

func TestLeave_IsIdempotentAndDropsEmptyRooms(t *testing.T) {
	req := require.New(t)
	rooms := newRooms()
	h := NewRecorder("alice")

	rooms.Join(UserRoom("alice"), h)
	rooms.Leave(UserRoom("alice"), h)
	rooms.Leave(UserRoom("alice"), h)
	rooms.Leave("never-created", h)

		req.Empty(rooms.Members(UserRoom("alice")))
}

func TestCloseAll(t *testing.T) {
	req := require.New(t)
	rooms := newRooms()
	handles := []*Recorder{NewRecorder("a"), NewRecorder("b"), NewRecorder("c")}
	for _, h := range handles {
		rooms.Join(GlobalRoom, h)
	}

	req.Equal(3, rooms.CloseAll())
	for _, h := range handles {
		req.True(h.Closed())
	}
}

func TestRooms_ConcurrentJoinLeaveBroadcast(t *testing.T) {
	req := require.New(t)
	rooms := newRooms()
	var wg sync.WaitGroup

	// Given many goroutines joining, broadcasting and leaving at once
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := NewRecorder("u")
			rooms.Join(GlobalRoom, h)
			rooms.Broadcast(context.Background(), GlobalRoom, domain.ErrorEvent(domain.ErrValidation))
			rooms.Leave(GlobalRoom, h)
		}()
	}
	wg.Wait()

	// Then the room is empty again
	req.Empty(rooms.Members(GlobalRoom))
}
