package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

// AutoMigrate creates the schema. Foreign keys carry no ON DELETE actions:
// account deletion runs its cascade explicitly in the store.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id VARCHAR(36) PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            email VARCHAR(120) UNIQUE NOT NULL,
            password_hash VARCHAR(255) NOT NULL,
            display_name VARCHAR(100) NOT NULL DEFAULT '',
            bio TEXT NOT NULL DEFAULT '',
            avatar_url VARCHAR(255) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS user_status (
            user_id VARCHAR(36) PRIMARY KEY REFERENCES users(id),
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_active TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            seq BIGSERIAL UNIQUE,
            id VARCHAR(36) PRIMARY KEY,
            sender_id VARCHAR(36) NOT NULL REFERENCES users(id),
            receiver_id VARCHAR(36) REFERENCES users(id),
            content TEXT NOT NULL,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, seq)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages (receiver_id, is_read)`,

		`CREATE TABLE IF NOT EXISTS user_follows (
            follower_id VARCHAR(36) NOT NULL REFERENCES users(id),
            following_id VARCHAR(36) NOT NULL REFERENCES users(id),
            created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (follower_id, following_id)
        )`,

		`CREATE TABLE IF NOT EXISTS message_reactions (
            id VARCHAR(36) PRIMARY KEY,
            message_id VARCHAR(36) NOT NULL REFERENCES messages(id),
            user_id VARCHAR(36) NOT NULL REFERENCES users(id),
            emoji VARCHAR(10) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
            UNIQUE (message_id, user_id, emoji)
        )`,

		`CREATE TABLE IF NOT EXISTS notifications (
            seq BIGSERIAL UNIQUE,
            id VARCHAR(36) PRIMARY KEY,
            user_id VARCHAR(36) NOT NULL REFERENCES users(id),
            type VARCHAR(50) NOT NULL,
            content TEXT NOT NULL,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            related_user_id VARCHAR(36) REFERENCES users(id),
            related_message_id VARCHAR(36) REFERENCES messages(id),
            created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}
