package domain

import "time"

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Bio          string    `json:"bio,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary is the denormalized view of a user attached to pushed events.
func (u User) Summary() UserSummary {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return UserSummary{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: name,
		AvatarURL:   u.AvatarURL,
	}
}

type UserSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// UserStatus is the persisted mirror of a user's presence.
type UserStatus struct {
	UserID     string    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastActive time.Time `json:"last_active"`
}

// Message is immutable after creation except IsRead, which only ever goes false -> true.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

type Follow struct {
	FollowerID  string    `json:"follower_id"`
	FollowingID string    `json:"following_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

const NotificationNewFollower = "new_follower"

type Notification struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Type             string    `json:"type"`
	Content          string    `json:"content"`
	IsRead           bool      `json:"is_read"`
	RelatedUserID    string    `json:"related_user_id,omitempty"`
	RelatedMessageID string    `json:"related_message_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChatSummary is one row of the recent chats listing.
type ChatSummary struct {
	User          UserSummary `json:"user"`
	LastMessageAt time.Time   `json:"last_message_time"`
}
