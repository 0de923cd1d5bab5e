//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package domain

import (
	"context"
	"time"
)

// MessageStore persists direct messages. Lookups of unknown ids return ErrNotFound.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	UpdateMessageReadFlag(ctx context.Context, id string, read bool) error
	// Conversation returns the messages exchanged by a and b, oldest first.
	Conversation(ctx context.Context, a, b string, limit int) ([]Message, error)
	// MarkConversationRead flags every unread message from senderID to readerID and
	// returns the ids it changed.
	MarkConversationRead(ctx context.Context, readerID, senderID string) ([]string, error)
	RecentChats(ctx context.Context, userID string) ([]ChatSummary, error)
}

// StatusStore persists the presence mirror. GetStatus reports found=false for a user
// that never had a status row.
type StatusStore interface {
	GetStatus(ctx context.Context, userID string) (UserStatus, bool, error)
	UpsertStatus(ctx context.Context, userID string, isOnline bool, lastActive time.Time) error
	StatusesOf(ctx context.Context, userIDs []string) (map[string]UserStatus, error)
}

// UserStore owns user records. CreateUser returns ErrConflict on a duplicate
// username or email.
type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]User, error)
	UpdateProfile(ctx context.Context, id, displayName, bio, avatarURL string) (User, error)
	// DeleteUser removes the user and applies these cascade rules, in order:
	//  1. reactions made by the user and reactions on messages the user sent
	//  2. notifications owned by the user; references to the user elsewhere are cleared
	//  3. follow edges in both directions
	//  4. the status row
	//  5. messages the user sent
	//  6. received messages are kept with an empty receiver id
	//  7. the user row
	DeleteUser(ctx context.Context, id string) error
}
