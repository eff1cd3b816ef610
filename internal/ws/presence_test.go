package ws

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
)

type recordingMirror struct {
	mu        sync.Mutex
	snapshots [][]models.OnlineUser
	err       error
}

func (m *recordingMirror) Publish(_ context.Context, snapshot []models.OnlineUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshot)
	return m.err
}

func TestPresenceSnapshotFallsBackToRawID(t *testing.T) {
	registry := NewRegistry()
	registry.Register("u2")
	registry.Register("u1")
	users := new(mocks.UserRepositoryMock)
	users.On("FindByIDs", mock.Anything, []string{"u1", "u2"}).
		Return([]models.User{{ID: "u1", Username: "alice", AvatarURL: "/a.png"}}, nil).Once()

	p := NewPresence(registry, NewHub(nil), users, nil, nil)
	snapshot := p.Snapshot(context.Background())

	assert.Equal(t, []models.OnlineUser{
		{ID: "u1", Username: "alice", AvatarURL: "/a.png"},
		{ID: "u2", Username: "u2"},
	}, snapshot)
	users.AssertExpectations(t)
}

func TestPresenceSnapshotLookupError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("u1")
	users := new(mocks.UserRepositoryMock)
	users.On("FindByIDs", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()

	snapshot := NewPresence(registry, NewHub(nil), users, nil, nil).Snapshot(context.Background())
	assert.Equal(t, []models.OnlineUser{{ID: "u1", Username: "u1"}}, snapshot)
}

func TestPresenceSnapshotEmptySkipsLookup(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	snapshot := NewPresence(NewRegistry(), NewHub(nil), users, nil, nil).Snapshot(context.Background())
	assert.Empty(t, snapshot)
	users.AssertNotCalled(t, "FindByIDs", mock.Anything, mock.Anything)
}

func TestPresenceBroadcastReachesEveryConnectionAndMirror(t *testing.T) {
	registry := NewRegistry()
	hub := NewHub(nil)
	users := new(mocks.UserRepositoryMock)
	users.On("FindByIDs", mock.Anything, mock.Anything).Return([]models.User{}, nil)
	mirror := &recordingMirror{err: errors.New("redis down")}
	p := NewPresence(registry, hub, users, mirror, nil)

	a, b := newFakeConn("c1", "u1"), newFakeConn("c2", "u2")
	hub.Attach(a)
	hub.Attach(b)
	hub.Subscribe(a, GroupScope("g1"))
	registry.Register("u1")
	registry.Register("u2")

	p.Broadcast(context.Background())

	for _, c := range []*fakeConn{a, b} {
		frame, ok := c.last(EventOnlineUsers)
		require.True(t, ok)
		online := decode[[]models.OnlineUser](t, frame)
		assert.Len(t, online, 2)
	}
	require.Len(t, mirror.snapshots, 1)
	assert.Len(t, mirror.snapshots[0], 2)
}

// Each register and unregister produces exactly one broadcast.
func TestPresenceOneBroadcastPerChange(t *testing.T) {
	f := newRelayFixture(t, nil)
	watcher := f.connect("w", "u0")
	watcher.reset()

	a1 := f.connect("a1", "u1")
	a2 := f.connect("a2", "u1")
	f.disconnect(a1)
	f.disconnect(a2)

	assert.Equal(t, 4, watcher.count(EventOnlineUsers))
	frame, _ := watcher.last(EventOnlineUsers)
	online := decode[[]models.OnlineUser](t, frame)
	require.Len(t, online, 1)
	assert.Equal(t, "u0", online[0].ID)
}

func TestPresenceTabCloseKeepsIdentityOnline(t *testing.T) {
	f := newRelayFixture(t, nil)
	watcher := f.connect("w", "u0")
	a1 := f.connect("a1", "u1")
	f.connect("a2", "u1")

	f.disconnect(a1)

	frame, _ := watcher.last(EventOnlineUsers)
	online := decode[[]models.OnlineUser](t, frame)
	ids := []string{}
	for _, u := range online {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []string{"u0", "u1"}, ids)
}

func TestPresenceConcurrentBroadcasts(t *testing.T) {
	f := newRelayFixture(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(string(rune('a'+i)), string(rune('a'+i)))
			f.hub.Attach(c)
			f.registry.Register(c.Info().UserID)
			f.presence.Broadcast(context.Background())
		}(i)
	}
	wg.Wait()
	f.presence.Broadcast(context.Background())

	for _, c := range f.hub.Clients() {
		frame, ok := c.(*fakeConn).last(EventOnlineUsers)
		require.True(t, ok)
		assert.Len(t, decode[[]models.OnlineUser](t, frame), 20)
	}
}

func TestPresenceSnapshotIgnoresCallerCancellation(t *testing.T) {
	registry := NewRegistry()
	registry.Register("u1")
	users := new(mocks.UserRepositoryMock)
	users.On("FindByIDs", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), []string{"u1"}).
		Return([]models.User{{ID: "u1", Username: "alice"}}, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snapshot := NewPresence(registry, NewHub(nil), users, nil, nil).Snapshot(ctx)

	require.Len(t, snapshot, 1)
	assert.Equal(t, "alice", snapshot[0].Username)
	users.AssertExpectations(t)
}
