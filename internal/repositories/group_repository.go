package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chat-relay/internal/models"
)

var ErrGroupNotFound = errors.New("group not found")

// GroupRepository abstracts group persistence and membership lookups.
type GroupRepository interface {
	CreateGroup(ctx context.Context, creatorID string, name string, memberIDs []string) (models.Group, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	IsMember(ctx context.Context, groupID string, userID string) (bool, error)
	GroupIDsFor(ctx context.Context, userID string) ([]string, error)
	MemberIDs(ctx context.Context, groupID string) ([]string, error)
	RemoveMember(ctx context.Context, groupID string, userID string) error
	DeleteGroup(ctx context.Context, groupID string) error
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// CreateGroup creates a group and its members atomically. The creator is always a member.
func (r *GroupRepo) CreateGroup(ctx context.Context, creatorID string, name string, memberIDs []string) (models.Group, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Group{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var group models.Group
	if err = tx.QueryRowxContext(ctx, `INSERT INTO groups (id, name, creator_id) VALUES ($1, $2, $3) RETURNING id, name, creator_id, created_at`, uuid.NewString(), name, creatorID).
		Scan(&group.ID, &group.Name, &group.CreatorID, &group.CreatedAt); err != nil {
		return models.Group{}, err
	}

	group.MemberIDs = dedupeMembers(creatorID, memberIDs)
	for _, id := range group.MemberIDs {
		if _, err = tx.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)`, group.ID, id); err != nil {
			return models.Group{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Group{}, err
	}
	return group, nil
}

func dedupeMembers(creatorID string, memberIDs []string) []string {
	set := map[string]struct{}{creatorID: {}}
	for _, id := range memberIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListGroupsForUser returns groups that include the user, newest first.
func (r *GroupRepo) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.SelectContext(ctx, &groups, `SELECT g.id, g.name, g.creator_id, g.created_at FROM groups g INNER JOIN group_members gm ON gm.group_id = g.id WHERE gm.user_id=$1 ORDER BY g.created_at DESC`, userID)
	return groups, err
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT id, name, creator_id, created_at FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// IsMember checks membership. A missing group has no members.
func (r *GroupRepo) IsMember(ctx context.Context, groupID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)`, groupID, userID)
	return exists, err
}

// GroupIDsFor lists the ids of every group the user belongs to.
func (r *GroupRepo) GroupIDsFor(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT group_id FROM group_members WHERE user_id=$1 ORDER BY group_id`, userID)
	return ids, err
}

// MemberIDs lists the current members of a group.
func (r *GroupRepo) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM group_members WHERE group_id=$1 ORDER BY user_id`, groupID)
	return ids, err
}

// RemoveMember drops a user from a group. Removing a non-member is not an error.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID string, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	return err
}

// DeleteGroup removes a group together with every message addressed to it.
func (r *GroupRepo) DeleteGroup(ctx context.Context, groupID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE scope_kind=$1 AND scope_id=$2`, models.ScopeGroup, groupID); err != nil {
		return err
	}
	var res sql.Result
	if res, err = tx.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, groupID); err != nil {
		return err
	}
	var count int64
	if count, err = res.RowsAffected(); err != nil {
		return err
	}
	if count == 0 {
		err = ErrGroupNotFound
		return err
	}
	return tx.Commit()
}
