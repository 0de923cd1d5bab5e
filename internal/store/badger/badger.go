// Package badger implements domain.Gateway on an embedded BadgerDB.
//
// Key layout:
//
//	user:{id}                      -> User
//	email:{email} / username:{name} -> user id
//	msg:{id}                       -> storedMessage
//	conv:{a}|{b}:{seq}             -> message id (a < b)
//	umsg:{user}:{seq}              -> message id, for both parties
//	status:{id}                    -> UserStatus
//	follow:{follower}:{following}  -> created_at
//	follower:{following}:{follower} -> created_at
//	reaction:{msg}:{user}:{emoji}  -> Reaction
//	notif:{user}:{seq}             -> Notification
//	notifid:{id}                   -> notif key
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go-dm/internal/domain"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

const maxTxnRetries = 5

type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// Open opens (or creates) the database directory at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("database opening failed: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:global"), 1000)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sequence: %w", err)
	}
	return &Store{db: db, seq: seq, log: log}, nil
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("Releasing sequence failed", "error", err)
	}
	return s.db.Close()
}

// storedMessage keeps the insertion sequence next to the message.
type storedMessage struct {
	domain.Message
	Seq uint64 `json:"seq"`
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func seqKey(prefix string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, seq))
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func setJSON(txn *badger.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

// scan visits every key under prefix in key order, or reverse order.
func scan(txn *badger.Txn, prefix string, reverse bool, fn func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append([]byte(prefix), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(item.KeyCopy(nil), val)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// ---------------------------------------------
// Users
// ---------------------------------------------

func (s *Store) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	err := s.update(func(txn *badger.Txn) error {
		for _, key := range []string{"user:" + u.ID, "email:" + strings.ToLower(u.Email), "username:" + strings.ToLower(u.Username)} {
			taken, err := exists(txn, key)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: %s", domain.ErrConflict, key)
			}
		}
		if err := setJSON(txn, "user:"+u.ID, u); err != nil {
			return err
		}
		if err := txn.Set([]byte("email:"+strings.ToLower(u.Email)), []byte(u.ID)); err != nil {
			return err
		}
		return txn.Set([]byte("username:"+strings.ToLower(u.Username)), []byte(u.ID))
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	var u domain.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, "user:"+id, &u)
	})
	return u, err
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	var u domain.User
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, "email:"+strings.ToLower(email))
		if err != nil {
			return err
		}
		return getJSON(txn, "user:"+id, &u)
	})
	return u, err
}

func (s *Store) SearchUsers(_ context.Context, query, excludeID string, limit int) ([]domain.User, error) {
	q := strings.ToLower(query)
	var found []domain.User
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "user:", false, func(_, val []byte) (bool, error) {
			var u domain.User
			if err := json.Unmarshal(val, &u); err != nil {
				return false, err
			}
			if u.ID != excludeID && (strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.DisplayName), q)) {
				found = append(found, u)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Username < found[j].Username })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (s *Store) UpdateProfile(_ context.Context, id, displayName, bio, avatarURL string) (domain.User, error) {
	var u domain.User
	err := s.update(func(txn *badger.Txn) error {
		if err := getJSON(txn, "user:"+id, &u); err != nil {
			return err
		}
		u.DisplayName = displayName
		u.Bio = bio
		u.AvatarURL = avatarURL
		u.UpdatedAt = time.Now().UTC()
		return setJSON(txn, "user:"+id, u)
	})
	return u, err
}

// DeleteUser applies the cascade rules of domain.Gateway in one transaction.
func (s *Store) DeleteUser(_ context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		var u domain.User
		if err := getJSON(txn, "user:"+id, &u); err != nil {
			return err
		}

		var own []storedMessage
		if err := scan(txn, "umsg:"+id+":", false, func(_, val []byte) (bool, error) {
			var m storedMessage
			if err := getJSON(txn, "msg:"+string(val), &m); err != nil {
				return false, err
			}
			own = append(own, m)
			return true, nil
		}); err != nil {
			return err
		}
		sent := lo.SliceToMap(lo.Filter(own, func(m storedMessage, _ int) bool { return m.SenderID == id }),
			func(m storedMessage) (string, struct{}) { return m.ID, struct{}{} })

		var drop [][]byte

		// 1. reactions
		if err := scan(txn, "reaction:", false, func(key, val []byte) (bool, error) {
			var r domain.Reaction
			if err := json.Unmarshal(val, &r); err != nil {
				return false, err
			}
			if _, onSent := sent[r.MessageID]; onSent || r.UserID == id {
				drop = append(drop, key)
			}
			return true, nil
		}); err != nil {
			return err
		}

		// 2. notifications
		var rewrite []domain.Notification
		var rewriteKeys []string
		if err := scan(txn, "notif:", false, func(key, val []byte) (bool, error) {
			var n domain.Notification
			if err := json.Unmarshal(val, &n); err != nil {
				return false, err
			}
			if n.UserID == id {
				drop = append(drop, key, []byte("notifid:"+n.ID))
				return true, nil
			}
			_, onSent := sent[n.RelatedMessageID]
			if n.RelatedUserID == id || onSent {
				if n.RelatedUserID == id {
					n.RelatedUserID = ""
				}
				if onSent {
					n.RelatedMessageID = ""
				}
				rewrite = append(rewrite, n)
				rewriteKeys = append(rewriteKeys, string(key))
			}
			return true, nil
		}); err != nil {
			return err
		}

		// 3. follows
		for _, prefix := range []string{"follow:" + id + ":", "follower:" + id + ":"} {
			if err := scan(txn, prefix, false, func(key, _ []byte) (bool, error) {
				other := strings.TrimPrefix(string(key), prefix)
				drop = append(drop, key)
				if strings.HasPrefix(prefix, "follow:") {
					drop = append(drop, []byte("follower:"+other+":"+id))
				} else {
					drop = append(drop, []byte("follow:"+other+":"+id))
				}
				return true, nil
			}); err != nil {
				return err
			}
		}

		// 4. status
		drop = append(drop, []byte("status:"+id))

		// 5 and 6. messages
		for _, m := range own {
			partner := m.ReceiverID
			if partner == id {
				partner = m.SenderID
			}
			drop = append(drop, seqKey("umsg:"+id+":", m.Seq), seqKey("conv:"+pairKey(m.SenderID, m.ReceiverID)+":", m.Seq))
			if m.SenderID == id {
				drop = append(drop, []byte("msg:"+m.ID))
				if partner != "" && partner != id {
					drop = append(drop, seqKey("umsg:"+partner+":", m.Seq))
				}
				continue
			}
			m.ReceiverID = ""
			if err := setJSON(txn, "msg:"+m.ID, m); err != nil {
				return err
			}
		}

		// 7. user
		drop = append(drop, []byte("user:"+id), []byte("email:"+strings.ToLower(u.Email)), []byte("username:"+strings.ToLower(u.Username)))

		for i, n := range rewrite {
			if err := setJSON(txn, rewriteKeys[i], n); err != nil {
				return err
			}
		}
		for _, key := range lo.UniqBy(drop, func(k []byte) string { return string(k) }) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

func (s *Store) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	seq, err := s.seq.Next()
	if err != nil {
		return domain.Message{}, err
	}
	stored := storedMessage{Message: msg, Seq: seq}
	err = s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, "user:"+msg.SenderID); err != nil || !ok {
			return errors.Join(err, fmt.Errorf("%w: sender %s", domain.ErrNotFound, msg.SenderID))
		}
		if ok, err := exists(txn, "msg:"+msg.ID); err != nil || ok {
			return errors.Join(err, fmt.Errorf("%w: message %s", domain.ErrConflict, msg.ID))
		}
		if err := setJSON(txn, "msg:"+msg.ID, stored); err != nil {
			return err
		}
		id := []byte(msg.ID)
		if err := txn.Set(seqKey("conv:"+pairKey(msg.SenderID, msg.ReceiverID)+":", seq), id); err != nil {
			return err
		}
		for _, party := range lo.Uniq([]string{msg.SenderID, msg.ReceiverID}) {
			if err := txn.Set(seqKey("umsg:"+party+":", seq), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (domain.Message, error) {
	var m storedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, "msg:"+id, &m)
	})
	return m.Message, err
}

func (s *Store) UpdateMessageReadFlag(_ context.Context, id string, read bool) error {
	return s.update(func(txn *badger.Txn) error {
		var m storedMessage
		if err := getJSON(txn, "msg:"+id, &m); err != nil {
			return err
		}
		m.IsRead = read
		return setJSON(txn, "msg:"+id, m)
	})
}

// conversation loads the pair's messages in sequence order.
func conversation(txn *badger.Txn, a, b string, limit int) ([]storedMessage, error) {
	var msgs []storedMessage
	err := scan(txn, "conv:"+pairKey(a, b)+":", true, func(_, val []byte) (bool, error) {
		var m storedMessage
		if err := getJSON(txn, "msg:"+string(val), &m); err != nil {
			return false, err
		}
		msgs = append(msgs, m)
		return limit <= 0 || len(msgs) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) Conversation(_ context.Context, a, b string, limit int) ([]domain.Message, error) {
	var msgs []storedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msgs, err = conversation(txn, a, b, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(msgs, func(m storedMessage, _ int) domain.Message { return m.Message }), nil
}

func (s *Store) MarkConversationRead(_ context.Context, readerID, senderID string) ([]string, error) {
	var ids []string
	err := s.update(func(txn *badger.Txn) error {
		ids = nil
		msgs, err := conversation(txn, readerID, senderID, 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.SenderID != senderID || m.ReceiverID != readerID || m.IsRead {
				continue
			}
			m.IsRead = true
			if err := setJSON(txn, "msg:"+m.ID, m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		return nil
	})
	return ids, err
}

func (s *Store) RecentChats(_ context.Context, userID string) ([]domain.ChatSummary, error) {
	var chats []domain.ChatSummary
	err := s.db.View(func(txn *badger.Txn) error {
		seen := make(map[string]struct{})
		return scan(txn, "umsg:"+userID+":", true, func(_, val []byte) (bool, error) {
			var m storedMessage
			if err := getJSON(txn, "msg:"+string(val), &m); err != nil {
				return false, err
			}
			partner := m.ReceiverID
			if partner == userID {
				partner = m.SenderID
			}
			if _, dup := seen[partner]; dup || partner == "" || partner == userID {
				return true, nil
			}
			seen[partner] = struct{}{}

			var u domain.User
			if err := getJSON(txn, "user:"+partner, &u); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return true, nil
				}
				return false, err
			}
			chats = append(chats, domain.ChatSummary{User: u.Summary(), LastMessageAt: m.CreatedAt})
			return true, nil
		})
	})
	return chats, err
}

// ---------------------------------------------
// Statuses
// ---------------------------------------------

func (s *Store) GetStatus(_ context.Context, userID string) (domain.UserStatus, bool, error) {
	var st domain.UserStatus
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, "status:"+userID, &st)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UserStatus{}, false, nil
	}
	if err != nil {
		return domain.UserStatus{}, false, err
	}
	return st, true, nil
}

func (s *Store) UpsertStatus(_ context.Context, userID string, isOnline bool, lastActive time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, "user:"+userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
		}
		return setJSON(txn, "status:"+userID, domain.UserStatus{UserID: userID, IsOnline: isOnline, LastActive: lastActive})
	})
}

func (s *Store) StatusesOf(_ context.Context, userIDs []string) (map[string]domain.UserStatus, error) {
	out := make(map[string]domain.UserStatus, len(userIDs))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range userIDs {
			var st domain.UserStatus
			err := getJSON(txn, "status:"+id, &st)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = st
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------
// Follows, reactions, notifications
// ---------------------------------------------

func (s *Store) Follow(_ context.Context, followerID, followingID string) error {
	return s.update(func(txn *badger.Txn) error {
		for _, id := range []string{followerID, followingID} {
			ok, err := exists(txn, "user:"+id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
			}
		}
		key := "follow:" + followerID + ":" + followingID
		taken, err := exists(txn, key)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %s", domain.ErrConflict, key)
		}
		now, _ := time.Now().UTC().MarshalText()
		if err := txn.Set([]byte(key), now); err != nil {
			return err
		}
		return txn.Set([]byte("follower:"+followingID+":"+followerID), now)
	})
}

func (s *Store) Unfollow(_ context.Context, followerID, followingID string) error {
	return s.update(func(txn *badger.Txn) error {
		key := "follow:" + followerID + ":" + followingID
		ok, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte("follower:" + followingID + ":" + followerID))
	})
}

func (s *Store) Followers(_ context.Context, userID string) ([]string, error) {
	prefix := "follower:" + userID + ":"
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, false, func(key, _ []byte) (bool, error) {
			ids = append(ids, strings.TrimPrefix(string(key), prefix))
			return true, nil
		})
	})
	return ids, err
}

func reactionKey(messageID, userID, emoji string) string {
	return "reaction:" + messageID + ":" + userID + ":" + emoji
}

func (s *Store) AddReaction(_ context.Context, r domain.Reaction) (domain.Reaction, error) {
	err := s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, "msg:"+r.MessageID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message %s", domain.ErrNotFound, r.MessageID)
		}
		key := reactionKey(r.MessageID, r.UserID, r.Emoji)
		taken, err := exists(txn, key)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: reaction", domain.ErrConflict)
		}
		return setJSON(txn, key, r)
	})
	if err != nil {
		return domain.Reaction{}, err
	}
	return r, nil
}

func (s *Store) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	return s.update(func(txn *badger.Txn) error {
		key := reactionKey(messageID, userID, emoji)
		ok, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: reaction", domain.ErrNotFound)
		}
		return txn.Delete([]byte(key))
	})
}

func (s *Store) Reactions(_ context.Context, messageID string) ([]domain.Reaction, error) {
	var out []domain.Reaction
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "reaction:"+messageID+":", false, func(_, val []byte) (bool, error) {
			var r domain.Reaction
			if err := json.Unmarshal(val, &r); err != nil {
				return false, err
			}
			out = append(out, r)
			return true, nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *Store) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	seq, err := s.seq.Next()
	if err != nil {
		return domain.Notification{}, err
	}
	err = s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, "user:"+n.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %s", domain.ErrNotFound, n.UserID)
		}
		key := seqKey("notif:"+n.UserID+":", seq)
		if err := setJSON(txn, string(key), n); err != nil {
			return err
		}
		return txn.Set([]byte("notifid:"+n.ID), key)
	})
	if err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// Notifications returns newest first.
func (s *Store) Notifications(_ context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	var out []domain.Notification
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "notif:"+userID+":", true, func(_, val []byte) (bool, error) {
			var n domain.Notification
			if err := json.Unmarshal(val, &n); err != nil {
				return false, err
			}
			if !unreadOnly || !n.IsRead {
				out = append(out, n)
			}
			return true, nil
		})
	})
	return out, err
}

func (s *Store) MarkNotificationRead(_ context.Context, id, userID string) error {
	return s.update(func(txn *badger.Txn) error {
		key, err := getString(txn, "notifid:"+id)
		if err != nil {
			return err
		}
		var n domain.Notification
		if err := getJSON(txn, key, &n); err != nil {
			return err
		}
		if n.UserID != userID {
			return fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
		}
		n.IsRead = true
		return setJSON(txn, key, n)
	})
}
