// Package storetest holds the behaviour every domain.Gateway must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"go-dm/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Run exercises gw. newGateway must return an empty gateway each call.
func Run(t *testing.T, newGateway func(t *testing.T) domain.Gateway) {
	t.Run("users", func(t *testing.T) { testUsers(t, newGateway(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, newGateway(t)) })
	t.Run("statuses", func(t *testing.T) { testStatuses(t, newGateway(t)) })
	t.Run("social", func(t *testing.T) { testSocial(t, newGateway(t)) })
	t.Run("delete cascade", func(t *testing.T) { testDeleteCascade(t, newGateway(t)) })
}

func NewUser(name string) domain.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.User{
		ID:           uuid.NewString(),
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "hash",
		DisplayName:  name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func mustUser(t *testing.T, gw domain.Gateway, name string) domain.User {
	u, err := gw.CreateUser(context.Background(), NewUser(name))
	require.NoError(t, err)
	return u
}

func mustMessage(t *testing.T, gw domain.Gateway, from, to, content string, at time.Time) domain.Message {
	m, err := gw.InsertMessage(context.Background(), domain.Message{
		ID: uuid.NewString(), SenderID: from, ReceiverID: to, Content: content, CreatedAt: at,
	})
	require.NoError(t, err)
	return m
}

func testUsers(t *testing.T, gw domain.Gateway) {
	req := require.New(t)
	ctx := context.Background()

	// Given two users
	alice := mustUser(t, gw, "alice")
	mustUser(t, gw, "alfred")

	// When a duplicate username is created
	dup := NewUser("alice")
	_, err := gw.CreateUser(ctx, dup)

	// Then it conflicts
	req.ErrorIs(err, domain.ErrConflict)

	got, err := gw.GetUserByEmail(ctx, "ALICE@example.com")
	req.NoError(err)
	req.Equal(alice.ID, got.ID)

	_, err = gw.GetUser(ctx, "missing")
	req.ErrorIs(err, domain.ErrNotFound)

	found, err := gw.SearchUsers(ctx, "AL", alice.ID, 10)
	req.NoError(err)
	req.Len(found, 1)
	req.Equal("alfred", found[0].Username)

	updated, err := gw.UpdateProfile(ctx, alice.ID, "Alice A.", "hi there", "")
	req.NoError(err)
	req.Equal("Alice A.", updated.DisplayName)
	req.Equal("hi there", updated.Bio)

	_, err = gw.UpdateProfile(ctx, "missing", "x", "", "")
	req.ErrorIs(err, domain.ErrNotFound)
}

func testMessages(t *testing.T, gw domain.Gateway) {
	req := require.New(t)
	ctx := context.Background()

	a := mustUser(t, gw, "a-user")
	b := mustUser(t, gw, "b-user")
	c := mustUser(t, gw, "c-user")
	base := time.Now().UTC().Truncate(time.Microsecond)

	// Given an exchange between a and b and one message from c
	m1 := mustMessage(t, gw, a.ID, b.ID, "one", base)
	m2 := mustMessage(t, gw, b.ID, a.ID, "two", base.Add(time.Second))
	m3 := mustMessage(t, gw, a.ID, b.ID, "three", base.Add(2*time.Second))
	mustMessage(t, gw, c.ID, a.ID, "from c", base.Add(3*time.Second))

	// When the conversation is loaded
	conv, err := gw.Conversation(ctx, b.ID, a.ID, 10)

	// Then it is oldest first and excludes c
	req.NoError(err)
	req.Equal([]string{m1.ID, m2.ID, m3.ID}, ids(conv))

	limited, err := gw.Conversation(ctx, a.ID, b.ID, 2)
	req.NoError(err)
	req.Equal([]string{m2.ID, m3.ID}, ids(limited))

	// Read flag
	req.NoError(gw.UpdateMessageReadFlag(ctx, m2.ID, true))
	got, err := gw.GetMessage(ctx, m2.ID)
	req.NoError(err)
	req.True(got.IsRead)
	req.ErrorIs(gw.UpdateMessageReadFlag(ctx, "missing", true), domain.ErrNotFound)
	_, err = gw.GetMessage(ctx, "missing")
	req.ErrorIs(err, domain.ErrNotFound)

	// Marking b's view of a's messages
	marked, err := gw.MarkConversationRead(ctx, b.ID, a.ID)
	req.NoError(err)
	req.ElementsMatch([]string{m1.ID, m3.ID}, marked)
	again, err := gw.MarkConversationRead(ctx, b.ID, a.ID)
	req.NoError(err)
	req.Empty(again)

	// Recent chats, newest partner first
	chats, err := gw.RecentChats(ctx, a.ID)
	req.NoError(err)
	req.Len(chats, 2)
	req.Equal(c.ID, chats[0].User.ID)
	req.Equal(b.ID, chats[1].User.ID)
}

func testStatuses(t *testing.T, gw domain.Gateway) {
	req := require.New(t)
	ctx := context.Background()
	u := mustUser(t, gw, "status-user")
	at := time.Now().UTC().Truncate(time.Microsecond)

	// Given no status row
	_, found, err := gw.GetStatus(ctx, u.ID)
	req.NoError(err)
	req.False(found)

	// When a status is upserted twice
	req.NoError(gw.UpsertStatus(ctx, u.ID, true, at))
	req.NoError(gw.UpsertStatus(ctx, u.ID, false, at.Add(time.Minute)))

	// Then the last write wins
	st, found, err := gw.GetStatus(ctx, u.ID)
	req.NoError(err)
	req.True(found)
	req.False(st.IsOnline)
	req.True(st.LastActive.Equal(at.Add(time.Minute)))

	all, err := gw.StatusesOf(ctx, []string{u.ID, "nobody"})
	req.NoError(err)
	req.Len(all, 1)

	req.ErrorIs(gw.UpsertStatus(ctx, "nobody", true, at), domain.ErrNotFound)
}

func testSocial(t *testing.T, gw domain.Gateway) {
	req := require.New(t)
	ctx := context.Background()
	a := mustUser(t, gw, "social-a")
	b := mustUser(t, gw, "social-b")
	msg := mustMessage(t, gw, a.ID, b.ID, "hello", time.Now().UTC())

	// Follows
	req.NoError(gw.Follow(ctx, a.ID, b.ID))
	req.ErrorIs(gw.Follow(ctx, a.ID, b.ID), domain.ErrConflict)
	followers, err := gw.Followers(ctx, b.ID)
	req.NoError(err)
	req.Equal([]string{a.ID}, followers)
	req.NoError(gw.Unfollow(ctx, a.ID, b.ID))
	req.ErrorIs(gw.Unfollow(ctx, a.ID, b.ID), domain.ErrNotFound)

	// Reactions
	r := domain.Reaction{ID: uuid.NewString(), MessageID: msg.ID, UserID: b.ID, Emoji: "👍", CreatedAt: time.Now().UTC()}
	_, err = gw.AddReaction(ctx, r)
	req.NoError(err)
	r.ID = uuid.NewString()
	_, err = gw.AddReaction(ctx, r)
	req.ErrorIs(err, domain.ErrConflict)
	list, err := gw.Reactions(ctx, msg.ID)
	req.NoError(err)
	req.Len(list, 1)
	req.NoError(gw.RemoveReaction(ctx, msg.ID, b.ID, "👍"))
	req.ErrorIs(gw.RemoveReaction(ctx, msg.ID, b.ID, "👍"), domain.ErrNotFound)

	// Notifications, newest first
	first, err := gw.CreateNotification(ctx, domain.Notification{ID: uuid.NewString(), UserID: b.ID, Type: domain.NotificationNewFollower, Content: "1", RelatedUserID: a.ID, CreatedAt: time.Now().UTC()})
	req.NoError(err)
	second, err := gw.CreateNotification(ctx, domain.Notification{ID: uuid.NewString(), UserID: b.ID, Type: domain.NotificationNewFollower, Content: "2", CreatedAt: time.Now().UTC()})
	req.NoError(err)
	notes, err := gw.Notifications(ctx, b.ID, false)
	req.NoError(err)
	req.Equal([]string{second.ID, first.ID}, []string{notes[0].ID, notes[1].ID})

	req.ErrorIs(gw.MarkNotificationRead(ctx, first.ID, a.ID), domain.ErrNotFound)
	req.NoError(gw.MarkNotificationRead(ctx, first.ID, b.ID))
	unread, err := gw.Notifications(ctx, b.ID, true)
	req.NoError(err)
	req.Len(unread, 1)
	req.Equal(second.ID, unread[0].ID)
}

func testDeleteCascade(t *testing.T, gw domain.Gateway) {
	req := require.New(t)
	ctx := context.Background()

	// Given a user with messages, reactions, follows, notifications and a status
	gone := mustUser(t, gw, "leaving")
	stay := mustUser(t, gw, "staying")
	now := time.Now().UTC().Truncate(time.Microsecond)
	sent := mustMessage(t, gw, gone.ID, stay.ID, "bye", now)
	received := mustMessage(t, gw, stay.ID, gone.ID, "wait", now.Add(time.Second))
	_, err := gw.AddReaction(ctx, domain.Reaction{ID: uuid.NewString(), MessageID: sent.ID, UserID: stay.ID, Emoji: "😢", CreatedAt: now})
	req.NoError(err)
	_, err = gw.AddReaction(ctx, domain.Reaction{ID: uuid.NewString(), MessageID: received.ID, UserID: gone.ID, Emoji: "👋", CreatedAt: now})
	req.NoError(err)
	req.NoError(gw.Follow(ctx, gone.ID, stay.ID))
	req.NoError(gw.Follow(ctx, stay.ID, gone.ID))
	_, err = gw.CreateNotification(ctx, domain.Notification{ID: uuid.NewString(), UserID: stay.ID, Type: domain.NotificationNewFollower, Content: "x", RelatedUserID: gone.ID, CreatedAt: now})
	req.NoError(err)
	_, err = gw.CreateNotification(ctx, domain.Notification{ID: uuid.NewString(), UserID: gone.ID, Type: domain.NotificationNewFollower, Content: "y", RelatedUserID: stay.ID, CreatedAt: now})
	req.NoError(err)
	req.NoError(gw.UpsertStatus(ctx, gone.ID, true, now))

	// When the user is deleted
	req.NoError(gw.DeleteUser(ctx, gone.ID))

	// Then every rule applied
	_, err = gw.GetUser(ctx, gone.ID)
	req.ErrorIs(err, domain.ErrNotFound)
	_, err = gw.GetUserByEmail(ctx, gone.Email)
	req.ErrorIs(err, domain.ErrNotFound)

	_, err = gw.GetMessage(ctx, sent.ID)
	req.ErrorIs(err, domain.ErrNotFound)
	kept, err := gw.GetMessage(ctx, received.ID)
	req.NoError(err)
	req.Empty(kept.ReceiverID)

	reactions, err := gw.Reactions(ctx, received.ID)
	req.NoError(err)
	req.Empty(reactions)

	followers, err := gw.Followers(ctx, stay.ID)
	req.NoError(err)
	req.Empty(followers)

	notes, err := gw.Notifications(ctx, stay.ID, false)
	req.NoError(err)
	req.Len(notes, 1)
	req.Empty(notes[0].RelatedUserID)

	_, found, err := gw.GetStatus(ctx, gone.ID)
	req.NoError(err)
	req.False(found)

	chats, err := gw.RecentChats(ctx, stay.ID)
	req.NoError(err)
	req.Empty(chats)

	req.ErrorIs(gw.DeleteUser(ctx, gone.ID), domain.ErrNotFound)

	// The name is free again
	_, err = gw.CreateUser(ctx, NewUser("leaving"))
	req.NoError(err)
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
