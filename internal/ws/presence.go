package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

// UserStore resolves display metadata for identities.
type UserStore interface {
	FindByID(ctx context.Context, id string) (models.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

// PresenceMirror receives every snapshot after it is pushed to local connections.
type PresenceMirror interface {
	Publish(ctx context.Context, snapshot []models.OnlineUser) error
}

// Presence pushes the full online list to every connection after each registry change.
type Presence struct {
	registry *Registry
	hub      *Hub
	users    UserStore
	mirror   PresenceMirror
	logger   *zap.Logger

	mu      sync.Mutex
	lookups singleflight.Group
}

func NewPresence(registry *Registry, hub *Hub, users UserStore, mirror PresenceMirror, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{registry: registry, hub: hub, users: users, mirror: mirror, logger: logger}
}

const presenceLookupTimeout = 5 * time.Second

// Snapshot recomputes the online list. Identities missing from the user store
// are listed under their raw id.
func (p *Presence) Snapshot(ctx context.Context) []models.OnlineUser {
	ids := p.registry.ListOnline()
	if len(ids) == 0 {
		return []models.OnlineUser{}
	}

	// The lookup is shared by concurrent callers, so one caller's cancellation
	// must not fail the others.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceLookupTimeout)
	defer cancel()
	v, err, _ := p.lookups.Do(strings.Join(ids, "\x00"), func() (any, error) {
		return p.users.FindByIDs(lookupCtx, ids)
	})
	byID := map[string]models.User{}
	if err != nil {
		p.logger.Warn("presence user lookup failed", zap.Int("ids", len(ids)), zap.Error(err))
	} else {
		for _, u := range v.([]models.User) {
			byID[u.ID] = u
		}
	}

	snapshot := make([]models.OnlineUser, 0, len(ids))
	for _, id := range ids {
		entry := models.OnlineUser{ID: id, Username: id}
		if u, ok := byID[id]; ok {
			entry.Username = u.Username
			entry.AvatarURL = u.AvatarURL
		}
		snapshot = append(snapshot, entry)
	}
	return snapshot
}

// Broadcast pushes a fresh snapshot to every connection. Calls are serialized
// so the last push always reflects the latest registry state.
func (p *Presence) Broadcast(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.Snapshot(ctx)
	frame, err := encodeFrame(EventOnlineUsers, snapshot)
	if err != nil {
		p.logger.Error("encode presence snapshot", zap.Error(err))
		return
	}
	delivered := p.hub.Deliver(p.hub.Clients(), frame)
	observability.IncPresenceBroadcast()
	observability.SetOnlineIdentities(len(snapshot))
	p.logger.Debug("presence broadcast", zap.Int("online", len(snapshot)), zap.Int("delivered", delivered))

	if p.mirror != nil {
		if err := p.mirror.Publish(ctx, snapshot); err != nil {
			observability.IncMirrorError("publish")
			p.logger.Warn("presence mirror publish failed", zap.Error(err))
		}
	}
}

// SendTo pushes the current snapshot to a single connection.
func (p *Presence) SendTo(ctx context.Context, c Connection) {
	frame, err := encodeFrame(EventOnlineUsers, p.Snapshot(ctx))
	if err != nil {
		p.logger.Error("encode presence snapshot", zap.Error(err))
		return
	}
	p.hub.Deliver([]Connection{c}, frame)
}
