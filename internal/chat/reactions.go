package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"go-dm/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type ReactionStore interface {
	AddReaction(ctx context.Context, reaction domain.Reaction) (domain.Reaction, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error)
}

// Reactions lets the two parties of a message attach emoji to it.
type Reactions struct {
	messages domain.MessageStore
	store    ReactionStore
	validate *validator.Validate
}

func NewReactions(messages domain.MessageStore, store ReactionStore) *Reactions {
	return &Reactions{messages: messages, store: store, validate: newValidator()}
}

// visible loads the message if the caller sent or received it.
func (s *Reactions) visible(ctx context.Context, messageID, callerID string) (domain.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, domain.ErrNotFoundOrUnauthorized
		}
		return domain.Message{}, domain.Persistence("load message", err)
	}
	if msg.SenderID != callerID && msg.ReceiverID != callerID {
		return domain.Message{}, domain.ErrNotFoundOrUnauthorized
	}
	return msg, nil
}

func (s *Reactions) Add(ctx context.Context, callerID, messageID, emoji string) (domain.Reaction, error) {
	req := ReactionRequest{Emoji: strings.TrimSpace(emoji)}
	if err := s.validate.Struct(req); err != nil {
		return domain.Reaction{}, domain.Validation("emoji is required and at most 10 characters")
	}
	if _, err := s.visible(ctx, messageID, callerID); err != nil {
		return domain.Reaction{}, err
	}
	reaction, err := s.store.AddReaction(ctx, domain.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    callerID,
		Emoji:     req.Emoji,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Reaction{}, err
		}
		return domain.Reaction{}, domain.Persistence("add reaction", err)
	}
	return reaction, nil
}

func (s *Reactions) Remove(ctx context.Context, callerID, messageID, emoji string) error {
	if _, err := s.visible(ctx, messageID, callerID); err != nil {
		return err
	}
	if err := s.store.RemoveReaction(ctx, messageID, callerID, strings.TrimSpace(emoji)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFoundOrUnauthorized
		}
		return domain.Persistence("remove reaction", err)
	}
	return nil
}

func (s *Reactions) List(ctx context.Context, callerID, messageID string) ([]domain.Reaction, error) {
	if _, err := s.visible(ctx, messageID, callerID); err != nil {
		return nil, err
	}
	reactions, err := s.store.Reactions(ctx, messageID)
	if err != nil {
		return nil, domain.Persistence("list reactions", err)
	}
	return reactions, nil
}
