package domain

import "context"

// SocialStore covers follows, reactions and notifications.
type SocialStore interface {
	Follow(ctx context.Context, followerID, followingID string) error
	Unfollow(ctx context.Context, followerID, followingID string) error
	Followers(ctx context.Context, userID string) ([]string, error)

	AddReaction(ctx context.Context, reaction Reaction) (Reaction, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	Reactions(ctx context.Context, messageID string) ([]Reaction, error)

	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	Notifications(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID string) error
}

// Gateway is the full persistence surface the service is wired against.
type Gateway interface {
	UserStore
	MessageStore
	StatusStore
	SocialStore
	Ping(ctx context.Context) error
	Close() error
}
