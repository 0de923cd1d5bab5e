package chat

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"go-dm/internal/domain"
	"go-dm/internal/fanout"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// SendMessageRequest is the body of POST /api/send_message and of the
// "send_message" websocket frame.
type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

type MarkReadRequest struct {
	MessageID string `json:"message_id" validate:"required"`
}

// ReadReceiptHook is called after a message flips from unread to read.
// No hook is installed by default: read state is stored but not pushed.
type ReadReceiptHook interface {
	MessageRead(ctx context.Context, msg domain.Message, readAt time.Time)
}

// RoomReceiptHook pushes a read_receipt event to every session of the sender.
type RoomReceiptHook struct {
	Out fanout.Broadcaster
}

func (h RoomReceiptHook) MessageRead(ctx context.Context, msg domain.Message, readAt time.Time) {
	h.Out.Broadcast(ctx, fanout.UserRoom(msg.SenderID), domain.ReadReceiptEvent(msg.ID, msg.ReceiverID, readAt))
}

type RouterOption func(*Router)

func WithReadReceiptHook(hook ReadReceiptHook) RouterOption {
	return func(r *Router) { r.hook = hook }
}

func WithHistoryLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.historyLimit = limit
		}
	}
}

// Router persists new messages and pushes them to the live sessions of both
// parties. Durability always precedes visibility.
type Router struct {
	users        domain.UserStore
	messages     domain.MessageStore
	out          fanout.Broadcaster
	hook         ReadReceiptHook
	validate     *validator.Validate
	pairs        *keyedMutex
	historyLimit int
	log          *slog.Logger
	now          func() time.Time
}

func NewRouter(users domain.UserStore, messages domain.MessageStore, out fanout.Broadcaster, log *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		users:        users,
		messages:     messages,
		out:          out,
		validate:     newValidator(),
		pairs:        newKeyedMutex(),
		historyLimit: 200,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

func (r *Router) check(req any) error {
	err := r.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
			return fe.Field() + " is " + fe.Tag()
		})
		return domain.Validation("%s", strings.Join(fields, ", "))
	}
	return domain.Validation("%v", err)
}

// SendMessage validates, persists and dispatches one direct message.
func (r *Router) SendMessage(ctx context.Context, senderID, receiverID, content string) (domain.Message, error) {
	req := SendMessageRequest{ReceiverID: strings.TrimSpace(receiverID), Content: content}
	if strings.TrimSpace(content) == "" {
		req.Content = ""
	}
	if err := r.check(req); err != nil {
		return domain.Message{}, err
	}

	sender, err := r.users.GetUser(ctx, senderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, domain.ErrNotFoundOrUnauthorized
		}
		return domain.Message{}, domain.Persistence("load sender", err)
	}
	if req.ReceiverID != senderID {
		if _, err := r.users.GetUser(ctx, req.ReceiverID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Message{}, domain.Validation("unknown receiver %s", req.ReceiverID)
			}
			return domain.Message{}, domain.Persistence("load receiver", err)
		}
	}

	// One sender->receiver pair at a time, so pushes leave in the order rows were written.
	unlock := r.pairs.Lock(senderID + "->" + req.ReceiverID)
	defer unlock()

	saved, err := r.messages.InsertMessage(ctx, domain.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		IsRead:     false,
		CreatedAt:  r.now(),
	})
	if err != nil {
		return domain.Message{}, domain.Persistence("insert message", err)
	}

	evt := domain.NewMessageEvent(saved, sender.Summary())
	delivered := r.out.Broadcast(ctx, fanout.UserRoom(saved.ReceiverID), evt)
	if saved.SenderID != saved.ReceiverID {
		r.out.Broadcast(ctx, fanout.UserRoom(saved.SenderID), evt)
	}
	r.log.Debug("Message routed", "message_id", saved.ID, "sender_id", saved.SenderID,
		"receiver_id", saved.ReceiverID, "receiver_sessions", delivered)
	return saved, nil
}

// MarkRead flags a message as read by its receiver. Marking twice is a no-op.
func (r *Router) MarkRead(ctx context.Context, messageID, callerID string) error {
	req := MarkReadRequest{MessageID: strings.TrimSpace(messageID)}
	if err := r.check(req); err != nil {
		return err
	}

	msg, err := r.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFoundOrUnauthorized
		}
		return domain.Persistence("load message", err)
	}
	if msg.ReceiverID != callerID {
		return domain.ErrNotFoundOrUnauthorized
	}
	if msg.IsRead {
		return nil
	}

	if err := r.messages.UpdateMessageReadFlag(ctx, msg.ID, true); err != nil {
		return domain.Persistence("update read flag", err)
	}
	if r.hook != nil {
		msg.IsRead = true
		r.hook.MessageRead(ctx, msg, r.now())
	}
	return nil
}

// Conversation returns the history between the caller and otherID, oldest
// first, and marks the other party's unread messages to the caller as read.
func (r *Router) Conversation(ctx context.Context, callerID, otherID string) (domain.User, []domain.Message, error) {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return domain.User{}, nil, domain.Validation("user id is required")
	}
	other, err := r.users.GetUser(ctx, otherID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, nil, domain.ErrNotFoundOrUnauthorized
		}
		return domain.User{}, nil, domain.Persistence("load user", err)
	}

	msgs, err := r.messages.Conversation(ctx, callerID, otherID, r.historyLimit)
	if err != nil {
		return domain.User{}, nil, domain.Persistence("load conversation", err)
	}

	readIDs, err := r.messages.MarkConversationRead(ctx, callerID, otherID)
	if err != nil {
		return domain.User{}, nil, domain.Persistence("mark conversation read", err)
	}
	if len(readIDs) > 0 {
		read := lo.SliceToMap(readIDs, func(id string) (string, struct{}) { return id, struct{}{} })
		for i := range msgs {
			if _, ok := read[msgs[i].ID]; ok {
				msgs[i].IsRead = true
			}
		}
		if r.hook != nil {
			at := r.now()
			for _, id := range readIDs {
				r.hook.MessageRead(ctx, domain.Message{ID: id, SenderID: otherID, ReceiverID: callerID, IsRead: true}, at)
			}
		}
	}
	return other, msgs, nil
}

// RecentChats lists the caller's chat partners, most recent first.
func (r *Router) RecentChats(ctx context.Context, callerID string) ([]domain.ChatSummary, error) {
	chats, err := r.messages.RecentChats(ctx, callerID)
	if err != nil {
		return nil, domain.Persistence("recent chats", err)
	}
	return chats, nil
}
