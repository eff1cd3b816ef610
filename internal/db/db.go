package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens the Postgres pool and verifies it answers.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username TEXT NOT NULL UNIQUE,
            avatar_url TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS groups (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            creator_id TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS group_members (
            group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            PRIMARY KEY(group_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS group_members_user_idx ON group_members (user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            scope_kind TEXT NOT NULL,
            scope_id TEXT NOT NULL DEFAULT '',
            sender_id TEXT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            file_url TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL,
            CHECK (content <> '' OR file_url <> '')
        );`,
	`CREATE INDEX IF NOT EXISTS messages_scope_idx ON messages (scope_kind, scope_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id, created_at);`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	logger.Info("database migrations applied", zap.Int("statements", len(migrations)))
	return nil
}
