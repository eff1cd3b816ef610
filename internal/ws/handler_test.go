package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/auth"
	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
)

type wsTestServer struct {
	server   *httptest.Server
	handler  *WebSocketHandler
	tokens   *auth.TokenService
	registry *Registry
	messages *mocks.MessageRepositoryMock
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	groups := new(mocks.GroupRepositoryMock)
	groups.On("GroupIDsFor", mock.Anything, mock.Anything).Return([]string{}, nil)
	users := new(mocks.UserRepositoryMock)
	users.On("FindByID", mock.Anything, "u1").Return(models.User{ID: "u1", Username: "alice"}, nil)
	users.On("FindByIDs", mock.Anything, mock.Anything).Return([]models.User{
		{ID: "u1", Username: "alice"},
		{ID: "u2", Username: "bob"},
	}, nil)
	messages := new(mocks.MessageRepositoryMock)

	hub := NewHub(nil)
	registry := NewRegistry()
	presence := NewPresence(registry, hub, users, nil, nil)
	relay := NewRelay(hub, NewResolver(groups, nil), messages, users, presence, nil)
	tokens := auth.NewTokenService("test-secret", "chat-relay", time.Hour)
	handler := NewWebSocketHandler(hub, registry, relay, presence, tokens, nil, ClientConfig{SendBuffer: 16}, nil, nil)

	router := gin.New()
	router.GET("/ws", handler.Handle)
	srv := httptest.NewServer(router)

	ts := &wsTestServer{server: srv, handler: handler, tokens: tokens, registry: registry, messages: messages}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = handler.Shutdown(ctx)
		srv.Close()
	})
	return ts
}

func (s *wsTestServer) dial(t *testing.T, id auth.Identity) *websocket.Conn {
	t.Helper()
	token, err := s.tokens.Issue(id)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until one with the wanted event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f recvFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event && (match == nil || match(f.Data)) {
			return f.Data
		}
	}
}

func onlineCount(n int) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var online []models.OnlineUser
		return json.Unmarshal(data, &online) == nil && len(online) == n
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	s := newWSTestServer(t)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, s.registry.Len())
}

func TestWebSocketRejectsForeignToken(t *testing.T) {
	s := newWSTestServer(t)
	foreign, err := auth.NewTokenService("other", "chat-relay", time.Hour).Issue(auth.Identity{ID: "u1"})
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+foreign)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	s := newWSTestServer(t)
	s.messages.On("Append", mock.Anything, mock.Anything).Return(models.Message{
		ID:        1,
		ScopeKind: models.ScopeGlobal,
		SenderID:  "u1",
		Content:   "hi",
		CreatedAt: time.Now().UTC(),
	}, nil).Once()

	alice := s.dial(t, auth.Identity{ID: "u1", Username: "alice"})
	readUntil(t, alice, EventOnlineUsers, onlineCount(1))

	bob := s.dial(t, auth.Identity{ID: "u2", Username: "bob"})
	readUntil(t, bob, EventOnlineUsers, onlineCount(2))
	readUntil(t, alice, EventOnlineUsers, onlineCount(2))

	require.NoError(t, alice.WriteJSON(map[string]any{"event": EventChatMessage, "data": map[string]any{"content": "hi"}}))
	for _, conn := range []*websocket.Conn{alice, bob} {
		data := readUntil(t, conn, EventChatMessage, nil)
		var payload MessagePayload
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "u1", payload.From)
		assert.Equal(t, "alice", payload.Username)
		assert.Equal(t, "hi", payload.Content)
	}

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	data := readUntil(t, alice, EventOnlineUsers, onlineCount(1))
	var online []models.OnlineUser
	require.NoError(t, json.Unmarshal(data, &online))
	assert.Equal(t, "u1", online[0].ID)
	assert.Eventually(t, func() bool { return !s.registry.IsOnline("u2") }, time.Second, 10*time.Millisecond)
}

func TestWebSocketShutdownClosesSessions(t *testing.T) {
	s := newWSTestServer(t)
	alice := s.dial(t, auth.Identity{ID: "u1", Username: "alice"})
	readUntil(t, alice, EventOnlineUsers, onlineCount(1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.handler.Shutdown(ctx))

	assert.Equal(t, 0, s.registry.Len())
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			break
		}
	}
}

func TestOriginChecker(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://chat.example.com")

	assert.True(t, originChecker(nil)(req))
	assert.True(t, originChecker([]string{"*"})(req))
	assert.True(t, originChecker([]string{"https://chat.example.com"})(req))
	assert.False(t, originChecker([]string{"https://other.example.com"})(req))
}

func TestWebSocketRefusesHandshakeAfterShutdown(t *testing.T) {
	s := newWSTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.handler.Shutdown(ctx))

	token, err := s.tokens.Issue(auth.Identity{ID: "u1", Username: "alice"})
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, s.registry.Len())
}

func TestWebSocketLateSessionClosedDuringShutdown(t *testing.T) {
	s := newWSTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.handler.Shutdown(ctx))

	client := NewClient(stalledPeer(t), ConnInfo{ConnID: "late", UserID: "u1"}, ClientConfig{}, nil)
	done := make(chan struct{})
	go func() {
		s.handler.serve(context.Background(), client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("late session kept running after shutdown")
	}
	assert.True(t, client.Closed())
	assert.Equal(t, 0, s.handler.hub.Count())
	assert.Equal(t, 0, s.registry.Len())
}
