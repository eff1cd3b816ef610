package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-relay/internal/models"
)

const defaultTTL = 90 * time.Second

// RedisMirror copies every presence snapshot of this node into Redis so other
// processes can read who is online without holding a websocket.
type RedisMirror struct {
	rdb    redis.UniversalClient
	prefix string
	node   string
	ttl    time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	last []models.OnlineUser
}

// NewRedisMirror wraps an existing client. node identifies this process in
// key names; ttl bounds how long a dead node's snapshot survives.
func NewRedisMirror(rdb redis.UniversalClient, prefix, node string, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{
		rdb:    rdb,
		prefix: prefix,
		node:   node,
		ttl:    ttl,
		logger: logger,
	}
}

// Dial opens a client and checks it answers.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

func (m *RedisMirror) presenceKey() string {
	return m.prefix + "presence:" + m.node
}

func (m *RedisMirror) channel() string {
	return m.prefix + "presence:events"
}

type presenceEvent struct {
	Node  string              `json:"node"`
	Users []models.OnlineUser `json:"users"`
	At    time.Time           `json:"at"`
}

func encodeEvent(node string, snapshot []models.OnlineUser, at time.Time) ([]byte, error) {
	if snapshot == nil {
		snapshot = []models.OnlineUser{}
	}
	return json.Marshal(presenceEvent{Node: node, Users: snapshot, At: at.UTC()})
}

func hashFields(snapshot []models.OnlineUser) map[string]any {
	fields := make(map[string]any, len(snapshot))
	for _, u := range snapshot {
		fields[u.ID] = u.Username
	}
	return fields
}

// Publish replaces this node's hash with the snapshot and announces it on the
// presence channel. Publish and Refresh hold mu across their round trips so a
// refresh never writes back users that a newer snapshot removed.
func (m *RedisMirror) Publish(ctx context.Context, snapshot []models.OnlineUser) error {
	payload, err := encodeEvent(m.node, snapshot, time.Now())
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = append(m.last[:0], snapshot...)

	key := m.presenceKey()
	fields := hashFields(snapshot)
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, m.ttl)
		}
		pipe.Publish(ctx, m.channel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror presence: %w", err)
	}
	return nil
}

// Refresh re-asserts the last snapshot so the key does not expire while the
// node is alive but idle.
func (m *RedisMirror) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.last) == 0 {
		return nil
	}

	key := m.presenceKey()
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, hashFields(m.last))
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Close removes this node's hash. The client is owned by the caller.
func (m *RedisMirror) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = nil
	if err := m.rdb.Del(ctx, m.presenceKey()).Err(); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	m.logger.Info("presence mirror cleared", zap.String("key", m.presenceKey()))
	return nil
}
