package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go-dm/internal/domain"
	"go-dm/internal/fanout"
	"go-dm/internal/mocks"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestSendMessage_DeliversToBothParties(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t, ClientOptions{}, "A", "B")

	// Given A and B each have one live session
	a := env.connect("A")
	b := env.connect("B")

	// When A sends "hi" to B
	msg, err := env.hub.Router.SendMessage(ctx, "A", "B", "hi")

	// Then one unread row exists
	req.NoError(err)
	stored, err := env.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.False(stored.IsRead)
	req.Equal("hi", stored.Content)

	// And both sessions got exactly one new_message with the sender summary
	for _, r := range []*fanout.Recorder{a, b} {
		events := r.EventsOf(domain.KindNewMessage)
		req.Len(events, 1)
		payload := events[0].Payload.(domain.NewMessagePayload)
		req.Equal(msg.ID, payload.ID)
		req.Equal("A", payload.Sender.ID)
	}

	// When B marks it read
	req.NoError(env.hub.Router.MarkRead(ctx, msg.ID, "B"))

	// Then the row is read
	stored, err = env.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.True(stored.IsRead)
}

func TestSendMessage_ReceiverOfflineStillPersists(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t, ClientOptions{}, "A", "B")

	msg, err := env.hub.Router.SendMessage(ctx, "A", "B", "are you there?")

	req.NoError(err)
	_, err = env.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
}

func TestSendMessage_EveryReceiverSessionGetsOneEvent(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, ClientOptions{}, "A", "B")
	sessions := []*fanout.Recorder{env.connect("B"), env.connect("B"), env.connect("B")}

	_, err := env.hub.Router.SendMessage(context.Background(), "A", "B", "hello")

	req.NoError(err)
	for _, s := range sessions {
		req.Len(s.EventsOf(domain.KindNewMessage), 1)
	}
}

func TestSendMessage_InvalidInputTouchesNothing(t *testing.T) {
	tests := []struct {
		name       string
		receiverID string
		content    string
	}{
		{name: "empty content", receiverID: "B", content: ""},
		{name: "blank content", receiverID: "B", content: "   \n\t"},
		{name: "missing receiver", receiverID: "", content: "hi"},
		{name: "blank receiver", receiverID: "  ", content: "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			ctrl := gomock.NewController(t)
			users := mocks.NewMockUserStore(ctrl)
			messages := mocks.NewMockMessageStore(ctrl)
			log := logs.GetLoggerFromLevel(slog.LevelDebug)
			rooms := fanout.NewRooms(log)
			b := fanout.NewRecorder("B")
			rooms.Join(fanout.UserRoom("B"), b)
			rooms.Join(fanout.GlobalRoom, b)
			router := NewRouter(users, messages, rooms, log)

			// Given stores that must not be called
			users.EXPECT().GetUser(gomock.Any(), gomock.Any()).Times(0)
			messages.EXPECT().InsertMessage(gomock.Any(), gomock.Any()).Times(0)

			// When an invalid message is sent
			_, err := router.SendMessage(context.Background(), "A", tt.receiverID, tt.content)

			// Then it is a validation error and nothing was pushed
			req.ErrorIs(err, domain.ErrValidation)
			req.Empty(b.Events())
		})
	}
}

func TestSendMessage_UnknownParties(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t, ClientOptions{}, "A")

	_, err := env.hub.Router.SendMessage(ctx, "A", "nobody", "hi")
	req.ErrorIs(err, domain.ErrValidation)

	_, err = env.hub.Router.SendMessage(ctx, "ghost", "A", "hi")
	req.ErrorIs(err, domain.ErrNotFoundOrUnauthorized)

	chats, err := env.store.RecentChats(ctx, "A")
	req.NoError(err)
	req.Empty(chats)
}

func TestSendMessage_PersistenceFailureDispatchesNothing(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	messages := mocks.NewMockMessageStore(ctrl)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	rooms := fanout.NewRooms(log)
	b := fanout.NewRecorder("B")
	rooms.Join(fanout.UserRoom("B"), b)
	router := NewRouter(users, messages, rooms, log)

	// Given a store that fails on insert
	users.EXPECT().GetUser(gomock.Any(), "A").Return(domain.User{ID: "A", Username: "a"}, nil)
	users.EXPECT().GetUser(gomock.Any(), "B").Return(domain.User{ID: "B", Username: "b"}, nil)
	messages.EXPECT().InsertMessage(gomock.Any(), gomock.Any()).Return(domain.Message{}, errors.New("disk full"))

	// When a message is sent
	_, err := router.SendMessage(context.Background(), "A", "B", "hi")

	// Then the failure is a retriable persistence error and nobody saw anything
	req.ErrorIs(err, domain.ErrPersistence)
	req.Empty(b.Events())
}

func TestMarkRead_OnlyReceiverAndIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t, ClientOptions{}, "A", "B", "C")
	msg, err := env.hub.Router.SendMessage(ctx, "A", "B", "secret")
	req.NoError(err)

	// When the sender or a stranger tries to mark it
	req.ErrorIs(env.hub.Router.MarkRead(ctx, msg.ID, "A"), domain.ErrNotFoundOrUnauthorized)
	req.ErrorIs(env.hub.Router.MarkRead(ctx, msg.ID, "C"), domain.ErrNotFoundOrUnauthorized)
	req.ErrorIs(env.hub.Router.MarkRead(ctx, "missing", "B"), domain.ErrNotFoundOrUnauthorized)
	req.ErrorIs(env.hub.Router.MarkRead(ctx, "", "B"), domain.ErrValidation)

	// Then the flag did not change
	stored, err := env.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.False(stored.IsRead)

	// When the receiver marks it twice
	req.NoError(env.hub.Router.MarkRead(ctx, msg.ID, "B"))
	req.NoError(env.hub.Router.MarkRead(ctx, msg.ID, "B"))

	stored, err = env.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.True(stored.IsRead)
}

type recordingHook struct {
	mu   sync.Mutex
	read []domain.Message
}

func (h *recordingHook) MessageRead(_ context.Context, msg domain.Message, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.read = append(h.read, msg)
}

func TestMarkRead_HookFiresOnceOnTransition(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t, ClientOptions{}, "A", "B")
	hook := &recordingHook{}
	router := NewRouter(env.store, env.store, env.rooms, env.log, WithReadReceiptHook(hook))
	msg, err := router.SendMessage(ctx, "A", "B", "ping")
	req.NoError(err)

	req.NoError(router.MarkRead(ctx, msg.ID, "B"))
	req.NoError(router.MarkRead(ctx, msg.ID, "B"))

	req.Len(hook.read, 1)
	req.Equal(msg.ID, hook.read[0].ID)
}

func TestRoomReceiptHook_NotifiesSender(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t, ClientOptions{}, "A", "B")
	router := NewRouter(env.store, env.store, env.rooms, env.log, WithReadReceiptHook(RoomReceiptHook{Out: env.rooms}))
	a := env.connect("A")
	msg, err := router.SendMessage(ctx, "A", "B", "ping")
	req.NoError(err)

	req.NoError(router.MarkRead(ctx, msg.ID, "B"))

	receipts := a.EventsOf(domain.KindReadReceipt)
	req.Len(receipts, 1)
	payload := receipts[0].Payload.(domain.ReadReceiptPayload)
	req.Equal(msg.ID, payload.MessageID)
	req.Equal("B", payload.ReaderID)
}

func TestConversation_MarksIncomingRead(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	env := newTestEnv(t, ClientOptions{}, "A", "B")
	for i := 0; i < 3; i++ {
		_, err := env.hub.Router.SendMessage(ctx, "A", "B", fmt.Sprintf("m%d", i))
		req.NoError(err)
	}
	reply, err := env.hub.Router.SendMessage(ctx, "B", "A", "reply")
	req.NoError(err)

	// When B opens the conversation
	other, msgs, err := env.hub.Router.Conversation(ctx, "B", "A")

	// Then history is oldest first and A's messages are now read, B's own untouched
	req.NoError(err)
	req.Equal("A", other.ID)
	req.Len(msgs, 4)
	req.Equal("m0", msgs[0].Content)
	for _, m := range msgs[:3] {
		req.True(m.IsRead)
	}
	stored, err := env.store.GetMessage(ctx, reply.ID)
	req.NoError(err)
	req.False(stored.IsRead)

	_, _, err = env.hub.Router.Conversation(ctx, "B", "nobody")
	req.ErrorIs(err, domain.ErrNotFoundOrUnauthorized)
}

func TestSendMessage_PairOrderIsPreserved(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, ClientOptions{}, "A", "B")
	a := env.connect("A")
	b := env.connect("B")
	const n = 200

	// When A sends from many goroutines at once
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.hub.Router.SendMessage(context.Background(), "A", "B", fmt.Sprintf("%d", i)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	// Then both parties observe the messages in the order they were stored
	stored, err := env.store.Conversation(context.Background(), "A", "B", n)
	req.NoError(err)
	req.Len(stored, n)
	for _, r := range []*fanout.Recorder{a, b} {
		events := r.EventsOf(domain.KindNewMessage)
		req.Len(events, n)
		for i, evt := range events {
			req.Equal(stored[i].ID, evt.Payload.(domain.NewMessagePayload).ID)
		}
	}
}

func TestKeyedMutex_ForgetsIdleKeys(t *testing.T) {
	req := require.New(t)
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("A->B")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	req.Equal(100, counter)
	req.Zero(k.size())
}
