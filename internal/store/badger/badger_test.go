package badger

import (
	"context"
	"log/slog"
	"testing"

	"go-dm/internal/domain"
	"go-dm/internal/store/storetest"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Store {
	s, err := Open(t.TempDir(), logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGateway(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Gateway { return open(t) })
}

func TestReopenKeepsData(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given a user and a message written before a restart
	s, err := Open(dir, log)
	req.NoError(err)
	a, err := s.CreateUser(ctx, storetest.NewUser("before"))
	req.NoError(err)
	b, err := s.CreateUser(ctx, storetest.NewUser("after"))
	req.NoError(err)
	first, err := s.InsertMessage(ctx, domain.Message{ID: "m-1", SenderID: a.ID, ReceiverID: b.ID, Content: "old"})
	req.NoError(err)
	req.NoError(s.Close())

	// When the store is reopened and another message is written
	s, err = Open(dir, log)
	req.NoError(err)
	defer s.Close()
	second, err := s.InsertMessage(ctx, domain.Message{ID: "m-2", SenderID: b.ID, ReceiverID: a.ID, Content: "new"})
	req.NoError(err)

	// Then the sequence kept growing and ordering survives
	conv, err := s.Conversation(ctx, a.ID, b.ID, 10)
	req.NoError(err)
	req.Len(conv, 2)
	req.Equal(first.ID, conv[0].ID)
	req.Equal(second.ID, conv[1].ID)
}
