// Package memory is an in-process Gateway for tests and single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go-dm/internal/domain"

	"github.com/samber/lo"
)

type followKey struct{ follower, following string }

type Store struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	statuses      map[string]domain.UserStatus
	messages      []domain.Message
	follows       map[followKey]time.Time
	reactions     []domain.Reaction
	notifications []domain.Notification
}

func New() *Store {
	return &Store{
		users:    make(map[string]domain.User),
		statuses: make(map[string]domain.UserStatus),
		follows:  make(map[followKey]time.Time),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// ---------------------------------------------
// Users
// ---------------------------------------------

func (s *Store) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.ID == u.ID || strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return domain.User{}, fmt.Errorf("%w: user %s", domain.ErrConflict, u.Username)
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("%w: email %s", domain.ErrNotFound, email)
}

func (s *Store) SearchUsers(_ context.Context, query, excludeID string, limit int) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	found := lo.Filter(lo.Values(s.users), func(u domain.User, _ int) bool {
		if u.ID == excludeID {
			return false
		}
		return strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.DisplayName), q)
	})
	sort.Slice(found, func(i, j int) bool { return found[i].Username < found[j].Username })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (s *Store) UpdateProfile(_ context.Context, id, displayName, bio, avatarURL string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	u.DisplayName = displayName
	u.Bio = bio
	u.AvatarURL = avatarURL
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return u, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}

	sent := lo.SliceToMap(lo.Filter(s.messages, func(m domain.Message, _ int) bool {
		return m.SenderID == id
	}), func(m domain.Message) (string, struct{}) { return m.ID, struct{}{} })

	s.reactions = lo.Reject(s.reactions, func(r domain.Reaction, _ int) bool {
		_, onSent := sent[r.MessageID]
		return r.UserID == id || onSent
	})

	s.notifications = lo.FilterMap(s.notifications, func(n domain.Notification, _ int) (domain.Notification, bool) {
		if n.UserID == id {
			return n, false
		}
		if n.RelatedUserID == id {
			n.RelatedUserID = ""
		}
		if _, onSent := sent[n.RelatedMessageID]; onSent {
			n.RelatedMessageID = ""
		}
		return n, true
	})

	for k := range s.follows {
		if k.follower == id || k.following == id {
			delete(s.follows, k)
		}
	}

	delete(s.statuses, id)

	s.messages = lo.FilterMap(s.messages, func(m domain.Message, _ int) (domain.Message, bool) {
		if m.SenderID == id {
			return m, false
		}
		if m.ReceiverID == id {
			m.ReceiverID = ""
		}
		return m, true
	})

	delete(s.users, id)
	return nil
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

func (s *Store) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[msg.SenderID]; !ok {
		return domain.Message{}, fmt.Errorf("%w: sender %s", domain.ErrNotFound, msg.SenderID)
	}
	if lo.ContainsBy(s.messages, func(m domain.Message) bool { return m.ID == msg.ID }) {
		return domain.Message{}, fmt.Errorf("%w: message %s", domain.ErrConflict, msg.ID)
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := lo.Find(s.messages, func(m domain.Message) bool { return m.ID == id })
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	return m, nil
}

func (s *Store) UpdateMessageReadFlag(_ context.Context, id string, read bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, idx, ok := lo.FindIndexOf(s.messages, func(m domain.Message) bool { return m.ID == id })
	if !ok {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	s.messages[idx].IsRead = read
	return nil
}

func between(m domain.Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func (s *Store) Conversation(_ context.Context, a, b string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := lo.Filter(s.messages, func(m domain.Message, _ int) bool { return between(m, a, b) })
	if limit > 0 && len(conv) > limit {
		conv = conv[len(conv)-limit:]
	}
	return conv, nil
}

func (s *Store) MarkConversationRead(_ context.Context, readerID, senderID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for i, m := range s.messages {
		if m.SenderID == senderID && m.ReceiverID == readerID && !m.IsRead {
			s.messages[i].IsRead = true
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *Store) RecentChats(_ context.Context, userID string) ([]domain.ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := make(map[string]time.Time)
	for _, m := range s.messages {
		var partner string
		switch userID {
		case m.SenderID:
			partner = m.ReceiverID
		case m.ReceiverID:
			partner = m.SenderID
		default:
			continue
		}
		if partner == "" || partner == userID {
			continue
		}
		if m.CreatedAt.After(last[partner]) || last[partner].IsZero() {
			last[partner] = m.CreatedAt
		}
	}

	chats := lo.FilterMap(lo.Keys(last), func(id string, _ int) (domain.ChatSummary, bool) {
		u, ok := s.users[id]
		return domain.ChatSummary{User: u.Summary(), LastMessageAt: last[id]}, ok
	})
	sort.Slice(chats, func(i, j int) bool { return chats[i].LastMessageAt.After(chats[j].LastMessageAt) })
	return chats, nil
}

// ---------------------------------------------
// Statuses
// ---------------------------------------------

func (s *Store) GetStatus(_ context.Context, userID string) (domain.UserStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[userID]
	return st, ok, nil
}

func (s *Store) UpsertStatus(_ context.Context, userID string, isOnline bool, lastActive time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	s.statuses[userID] = domain.UserStatus{UserID: userID, IsOnline: isOnline, LastActive: lastActive}
	return nil
}

func (s *Store) StatusesOf(_ context.Context, userIDs []string) (map[string]domain.UserStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.PickByKeys(s.statuses, userIDs), nil
}

// ---------------------------------------------
// Follows, reactions, notifications
// ---------------------------------------------

func (s *Store) Follow(_ context.Context, followerID, followingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[followerID]; !ok {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, followerID)
	}
	if _, ok := s.users[followingID]; !ok {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, followingID)
	}
	k := followKey{followerID, followingID}
	if _, ok := s.follows[k]; ok {
		return fmt.Errorf("%w: follow", domain.ErrConflict)
	}
	s.follows[k] = time.Now().UTC()
	return nil
}

func (s *Store) Unfollow(_ context.Context, followerID, followingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := followKey{followerID, followingID}
	if _, ok := s.follows[k]; !ok {
		return fmt.Errorf("%w: follow", domain.ErrNotFound)
	}
	delete(s.follows, k)
	return nil
}

func (s *Store) Followers(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := lo.FilterMap(lo.Keys(s.follows), func(k followKey, _ int) (string, bool) {
		return k.follower, k.following == userID
	})
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) AddReaction(_ context.Context, r domain.Reaction) (domain.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !lo.ContainsBy(s.messages, func(m domain.Message) bool { return m.ID == r.MessageID }) {
		return domain.Reaction{}, fmt.Errorf("%w: message %s", domain.ErrNotFound, r.MessageID)
	}
	if lo.ContainsBy(s.reactions, func(x domain.Reaction) bool {
		return x.MessageID == r.MessageID && x.UserID == r.UserID && x.Emoji == r.Emoji
	}) {
		return domain.Reaction{}, fmt.Errorf("%w: reaction", domain.ErrConflict)
	}
	s.reactions = append(s.reactions, r)
	return r, nil
}

func (s *Store) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.reactions)
	s.reactions = lo.Reject(s.reactions, func(x domain.Reaction, _ int) bool {
		return x.MessageID == messageID && x.UserID == userID && x.Emoji == emoji
	})
	if len(s.reactions) == before {
		return fmt.Errorf("%w: reaction", domain.ErrNotFound)
	}
	return nil
}

func (s *Store) Reactions(_ context.Context, messageID string) ([]domain.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Filter(s.reactions, func(x domain.Reaction, _ int) bool { return x.MessageID == messageID }), nil
}

func (s *Store) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[n.UserID]; !ok {
		return domain.Notification{}, fmt.Errorf("%w: user %s", domain.ErrNotFound, n.UserID)
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

// Notifications returns newest first.
func (s *Store) Notifications(_ context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []domain.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			list = append(list, n)
		}
	}
	return list, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, idx, ok := lo.FindIndexOf(s.notifications, func(n domain.Notification) bool {
		return n.ID == id && n.UserID == userID
	})
	if !ok {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	s.notifications[idx].IsRead = true
	return nil
}
