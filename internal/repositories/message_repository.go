package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-relay/internal/models"
)

const defaultHistoryLimit = 200

// MessageRepository is append-only for the relay; the list calls serve history.
type MessageRepository interface {
	Append(ctx context.Context, msg models.NewMessage) (models.Message, error)
	ListGlobal(ctx context.Context, limit int) ([]models.Message, error)
	ListGroup(ctx context.Context, groupID string, limit int) ([]models.Message, error)
	ListPrivate(ctx context.Context, userA, userB string, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores an immutable message and returns the stored row.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (scope_kind, scope_id, sender_id, content, file_url, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, scope_kind, scope_id, sender_id, content, file_url, created_at`,
		in.ScopeKind, in.ScopeID, in.SenderID, in.Content, in.FileURL, in.CreatedAt).
		Scan(&msg.ID, &msg.ScopeKind, &msg.ScopeID, &msg.SenderID, &msg.Content, &msg.FileURL, &msg.CreatedAt)
	return msg, err
}

// ListGlobal returns the latest global messages in chronological order.
func (r *MessageRepo) ListGlobal(ctx context.Context, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT * FROM (
            SELECT id, scope_kind, scope_id, sender_id, content, file_url, created_at FROM messages
            WHERE scope_kind=$1 ORDER BY created_at DESC, id DESC LIMIT $2
        ) recent ORDER BY created_at ASC, id ASC`, models.ScopeGlobal, clampLimit(limit))
	return msgs, err
}

// ListGroup returns the latest messages of a group in chronological order.
func (r *MessageRepo) ListGroup(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT * FROM (
            SELECT id, scope_kind, scope_id, sender_id, content, file_url, created_at FROM messages
            WHERE scope_kind=$1 AND scope_id=$2 ORDER BY created_at DESC, id DESC LIMIT $3
        ) recent ORDER BY created_at ASC, id ASC`, models.ScopeGroup, groupID, clampLimit(limit))
	return msgs, err
}

// ListPrivate returns the latest direct messages exchanged between two users.
func (r *MessageRepo) ListPrivate(ctx context.Context, userA, userB string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT * FROM (
            SELECT id, scope_kind, scope_id, sender_id, content, file_url, created_at FROM messages
            WHERE scope_kind=$1 AND ((sender_id=$2 AND scope_id=$3) OR (sender_id=$3 AND scope_id=$2))
            ORDER BY created_at DESC, id DESC LIMIT $4
        ) recent ORDER BY created_at ASC, id ASC`, models.ScopePeer, userA, userB, clampLimit(limit))
	return msgs, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaultHistoryLimit {
		return defaultHistoryLimit
	}
	return limit
}
