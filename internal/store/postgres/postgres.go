// Package postgres implements domain.Gateway on PostgreSQL through pgx's
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-dm/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

// mapErr turns driver errors into the domain taxonomy.
func mapErr(err error, what string) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return fmt.Errorf("%w: %s", domain.ErrConflict, what)
	default:
		return err
	}
}

// expectOne reports ErrNotFound when an update or delete touched nothing.
func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return nil
}

// ---------------------------------------------
// Users
// ---------------------------------------------

const userColumns = `id, username, email, password_hash, display_name, bio, avatar_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Bio, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	query := `INSERT INTO users (` + userColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query, u.ID, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.Bio, u.AvatarURL, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return domain.User{}, mapErr(err, "user "+u.Username)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return domain.User{}, mapErr(err, "user "+id)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
	if err != nil {
		return domain.User{}, mapErr(err, "email "+email)
	}
	return u, nil
}

func (s *Store) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users
		WHERE (username ILIKE $1 OR display_name ILIKE $1) AND id <> $2
		ORDER BY username LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, "%"+escapeLike(query)+"%", excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) UpdateProfile(ctx context.Context, id, displayName, bio, avatarURL string) (domain.User, error) {
	q := `UPDATE users SET display_name = $2, bio = $3, avatar_url = $4, updated_at = $5
		WHERE id = $1 RETURNING ` + userColumns
	u, err := scanUser(s.db.QueryRowContext(ctx, q, id, displayName, bio, avatarURL, time.Now().UTC()))
	if err != nil {
		return domain.User{}, mapErr(err, "user "+id)
	}
	return u, nil
}

// DeleteUser applies the cascade rules of domain.Gateway in one transaction.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}

	steps := []string{
		`DELETE FROM message_reactions WHERE user_id = $1
			OR message_id IN (SELECT id FROM messages WHERE sender_id = $1)`,
		`DELETE FROM notifications WHERE user_id = $1`,
		`UPDATE notifications SET related_user_id = NULL WHERE related_user_id = $1`,
		`UPDATE notifications SET related_message_id = NULL
			WHERE related_message_id IN (SELECT id FROM messages WHERE sender_id = $1)`,
		`DELETE FROM user_follows WHERE follower_id = $1 OR following_id = $1`,
		`DELETE FROM user_status WHERE user_id = $1`,
		`DELETE FROM messages WHERE sender_id = $1`,
		`UPDATE messages SET receiver_id = NULL WHERE receiver_id = $1`,
		`DELETE FROM users WHERE id = $1`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete user cascade: %w", err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

const messageColumns = `id, sender_id, COALESCE(receiver_id, ''), content, is_read, created_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt)
	return m, err
}

func (s *Store) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	query := `INSERT INTO messages (id, sender_id, receiver_id, content, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.SenderID, nullable(msg.ReceiverID), msg.Content, msg.IsRead, msg.CreatedAt); err != nil {
		return domain.Message{}, mapErr(err, "message "+msg.ID)
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return domain.Message{}, mapErr(err, "message "+id)
	}
	return m, nil
}

func (s *Store) UpdateMessageReadFlag(ctx context.Context, id string, read bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = $2 WHERE id = $1`, id, read)
	if err != nil {
		return err
	}
	return expectOne(res, "message "+id)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Conversation keeps the newest limit messages and returns them oldest first.
func (s *Store) Conversation(ctx context.Context, a, b string, limit int) ([]domain.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM (
			SELECT * FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY seq DESC LIMIT $3
		) recent ORDER BY seq ASC`
	return s.queryMessages(ctx, q, a, b, limit)
}

func (s *Store) MarkConversationRead(ctx context.Context, readerID, senderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE messages SET is_read = TRUE
		WHERE sender_id = $1 AND receiver_id = $2 AND is_read = FALSE RETURNING id`, senderID, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) RecentChats(ctx context.Context, userID string) ([]domain.ChatSummary, error) {
	q := `SELECT u.id, u.username, u.display_name, u.avatar_url, p.last_at FROM (
			SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS partner_id,
				MAX(created_at) AS last_at
			FROM messages
			WHERE (sender_id = $1 OR receiver_id = $1)
			GROUP BY partner_id
		) p
		JOIN users u ON u.id = p.partner_id
		WHERE u.id <> $1
		ORDER BY p.last_at DESC`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.ChatSummary
	for rows.Next() {
		var u domain.User
		var last time.Time
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &last); err != nil {
			return nil, err
		}
		chats = append(chats, domain.ChatSummary{User: u.Summary(), LastMessageAt: last})
	}
	return chats, rows.Err()
}

// ---------------------------------------------
// Statuses
// ---------------------------------------------

func (s *Store) GetStatus(ctx context.Context, userID string) (domain.UserStatus, bool, error) {
	var st domain.UserStatus
	err := s.db.QueryRowContext(ctx, `SELECT user_id, is_online, last_active FROM user_status WHERE user_id = $1`, userID).
		Scan(&st.UserID, &st.IsOnline, &st.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserStatus{}, false, nil
	}
	if err != nil {
		return domain.UserStatus{}, false, err
	}
	return st, true, nil
}

func (s *Store) UpsertStatus(ctx context.Context, userID string, isOnline bool, lastActive time.Time) error {
	q := `INSERT INTO user_status (user_id, is_online, last_active)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM users WHERE id = $1)
		ON CONFLICT (user_id) DO UPDATE SET is_online = EXCLUDED.is_online, last_active = EXCLUDED.last_active`
	res, err := s.db.ExecContext(ctx, q, userID, isOnline, lastActive)
	if err != nil {
		return err
	}
	return expectOne(res, "user "+userID)
}

func (s *Store) StatusesOf(ctx context.Context, userIDs []string) (map[string]domain.UserStatus, error) {
	out := make(map[string]domain.UserStatus, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, is_online, last_active FROM user_status WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st domain.UserStatus
		if err := rows.Scan(&st.UserID, &st.IsOnline, &st.LastActive); err != nil {
			return nil, err
		}
		out[st.UserID] = st
	}
	return out, rows.Err()
}

// ---------------------------------------------
// Follows, reactions, notifications
// ---------------------------------------------

func (s *Store) Follow(ctx context.Context, followerID, followingID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_follows (follower_id, following_id, created_at) VALUES ($1, $2, $3)`,
		followerID, followingID, time.Now().UTC())
	return mapErr(err, "follow")
}

func (s *Store) Unfollow(ctx context.Context, followerID, followingID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_follows WHERE follower_id = $1 AND following_id = $2`, followerID, followingID)
	if err != nil {
		return err
	}
	return expectOne(res, "follow")
}

func (s *Store) Followers(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT follower_id FROM user_follows WHERE following_id = $1 ORDER BY follower_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) AddReaction(ctx context.Context, r domain.Reaction) (domain.Reaction, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO message_reactions (id, message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5)`, r.ID, r.MessageID, r.UserID, r.Emoji, r.CreatedAt)
	if err != nil {
		return domain.Reaction{}, mapErr(err, "reaction")
	}
	return r, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return err
	}
	return expectOne(res, "reaction")
}

func (s *Store) Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, user_id, emoji, created_at
		FROM message_reactions WHERE message_id = $1 ORDER BY created_at`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reaction
	for rows.Next() {
		var r domain.Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications
		(id, user_id, type, content, is_read, related_user_id, related_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.Type, n.Content, n.IsRead, nullable(n.RelatedUserID), nullable(n.RelatedMessageID), n.CreatedAt)
	if err != nil {
		return domain.Notification{}, mapErr(err, "notification")
	}
	return n, nil
}

func (s *Store) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, type, content, is_read,
			COALESCE(related_user_id, ''), COALESCE(related_message_id, ''), created_at
		FROM notifications WHERE user_id = $1 AND (NOT $2 OR is_read = FALSE)
		ORDER BY seq DESC`, userID, unreadOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Content, &n.IsRead, &n.RelatedUserID, &n.RelatedMessageID, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	return expectOne(res, "notification "+id)
}
