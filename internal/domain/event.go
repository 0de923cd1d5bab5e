package domain

import "time"

// EventKind names a push payload on the wire.
type EventKind string

const (
	KindNewMessage   EventKind = "new_message"
	KindStatusChange EventKind = "status_change"
	KindReadReceipt  EventKind = "read_receipt"
	KindError        EventKind = "error"
)

// Event is a transient delivery value. It is never persisted.
type Event struct {
	Kind    EventKind `json:"type"`
	Payload any       `json:"payload"`
}

type NewMessagePayload struct {
	Message
	Sender UserSummary `json:"sender"`
}

type StatusChangePayload struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastActive time.Time `json:"last_active"`
}

type ReadReceiptPayload struct {
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func NewMessageEvent(msg Message, sender UserSummary) Event {
	return Event{Kind: KindNewMessage, Payload: NewMessagePayload{Message: msg, Sender: sender}}
}

func StatusChangeEvent(status UserStatus) Event {
	return Event{Kind: KindStatusChange, Payload: StatusChangePayload{
		UserID:     status.UserID,
		IsOnline:   status.IsOnline,
		LastActive: status.LastActive,
	}}
}

func ReadReceiptEvent(messageID, readerID string, at time.Time) Event {
	return Event{Kind: KindReadReceipt, Payload: ReadReceiptPayload{
		MessageID: messageID,
		ReaderID:  readerID,
		ReadAt:    at,
	}}
}

func ErrorEvent(err error) Event {
	return Event{Kind: KindError, Payload: ErrorPayload{Error: err.Error()}}
}
