package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-relay/internal/models"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// ProfileUpdate lists the profile fields to change. Nil fields are left as is.
type ProfileUpdate struct {
	Username  *string
	AvatarURL *string
}

// UserRepository is the read side of the user store plus profile writes.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (models.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
	Upsert(ctx context.Context, user models.User) (models.User, error)
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// FindByID fetches a single user.
func (r *UserRepo) FindByID(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, username, avatar_url, created_at FROM users WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// FindByIDs returns the users that exist among ids; missing ids are skipped.
func (r *UserRepo) FindByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, username, avatar_url, created_at FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var users []models.User
	err = r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...)
	return users, err
}

// Upsert inserts a user or refreshes its display fields.
func (r *UserRepo) Upsert(ctx context.Context, user models.User) (models.User, error) {
	var out models.User
	err := r.db.QueryRowxContext(ctx, `INSERT INTO users (id, username, avatar_url) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url
        RETURNING id, username, avatar_url, created_at`, user.ID, user.Username, user.AvatarURL).
		Scan(&out.ID, &out.Username, &out.AvatarURL, &out.CreatedAt)
	return out, err
}

// UpdateProfile changes the display fields of an existing user.
func (r *UserRepo) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (models.User, error) {
	var out models.User
	err := r.db.QueryRowxContext(ctx, `UPDATE users SET username = COALESCE($2, username), avatar_url = COALESCE($3, avatar_url)
        WHERE id = $1
        RETURNING id, username, avatar_url, created_at`, id, update.Username, update.AvatarURL).
		Scan(&out.ID, &out.Username, &out.AvatarURL, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.User{}, ErrUsernameTaken
	}
	return out, err
}
