package ws

import (
	"context"

	"go.uber.org/zap"
)

// GroupStore is the membership side of the group store.
type GroupStore interface {
	IsMember(ctx context.Context, groupID string, userID string) (bool, error)
	GroupIDsFor(ctx context.Context, userID string) ([]string, error)
	MemberIDs(ctx context.Context, groupID string) ([]string, error)
}

// Resolver authorizes scope joins and sends. Nothing is cached: every call
// goes to the store so membership changes apply on the next check.
type Resolver struct {
	groups GroupStore
	logger *zap.Logger
}

func NewResolver(groups GroupStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{groups: groups, logger: logger}
}

// CanJoinGroup reports current membership. Missing groups and lookup errors deny.
func (r *Resolver) CanJoinGroup(ctx context.Context, userID, groupID string) bool {
	if userID == "" || groupID == "" {
		return false
	}
	ok, err := r.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		r.logger.Warn("group membership lookup failed",
			zap.String("user_id", userID),
			zap.String("group_id", groupID),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// ResolveGroupsFor lists every group the identity belongs to right now.
func (r *Resolver) ResolveGroupsFor(ctx context.Context, userID string) ([]string, error) {
	return r.groups.GroupIDsFor(ctx, userID)
}

// PeerScopeOf is the scope that reaches every connection of userID.
func (r *Resolver) PeerScopeOf(userID string) Scope {
	return PeerScope(userID)
}

// MembersOf returns the current member set of a group.
func (r *Resolver) MembersOf(ctx context.Context, groupID string) (map[string]struct{}, error) {
	ids, err := r.groups.MemberIDs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	return members, nil
}
