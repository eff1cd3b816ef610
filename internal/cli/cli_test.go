package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-relay/internal/auth"
	"chat-relay/internal/handlers"
	"chat-relay/internal/mocks"
	"chat-relay/internal/ws"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CHAT_RELAY_AUTH_JWT_SECRET", "test-secret")

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--user-id", "u1", "--username", "alice"})
	require.NoError(t, root.Execute())

	identity, err := auth.NewTokenService("test-secret", "chat-relay", time.Hour).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{ID: "u1", Username: "alice"}, identity)
}

func TestTokenCommandRequiresFlags(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"token", "--user-id", "u1"})
	require.ErrorContains(t, root.Execute(), "--username")
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	chdir(t, t.TempDir())
	root := NewRootCmd()
	root.SetArgs([]string{"token", "--user-id", "u1", "--username", "alice"})
	require.ErrorContains(t, root.Execute(), "jwt_secret")
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func testRouter(t *testing.T, pinger handlers.Pinger) (*gin.Engine, *auth.TokenService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	tokens := auth.NewTokenService("router-secret", "chat-relay", time.Hour)
	users := &mocks.UserRepositoryMock{}
	groups := &mocks.GroupRepositoryMock{}
	messages := &mocks.MessageRepositoryMock{}

	hub := ws.NewHub(logger)
	registry := ws.NewRegistry()
	presence := ws.NewPresence(registry, hub, users, nil, logger)
	relay := ws.NewRelay(hub, ws.NewResolver(groups, logger), messages, users, presence, logger)

	return newRouter(routerDeps{
		serviceName: "chat-relay-test",
		logger:      logger,
		verifier:    tokens,
		history:     handlers.NewHistoryHandler(messages, groups, users, nil),
		groups:      handlers.NewGroupHandler(groups, hub, nil),
		online:      handlers.NewOnlineHandler(presence),
		users:       handlers.NewUserHandler(users, presence, nil),
		websocket:   ws.NewWebSocketHandler(hub, registry, relay, presence, tokens, nil, ws.ClientConfig{}, nil, logger),
		db:          pinger,
		hub:         hub,
		registry:    registry,
	}), tokens
}

func TestRouterHealthz(t *testing.T) {
	router, _ := testRouter(t, stubPinger{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	router, _ = testRouter(t, stubPinger{err: errors.New("down")})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouterAPIRequiresToken(t *testing.T) {
	router, tokens := testRouter(t, stubPinger{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/online", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := tokens.Issue(auth.Identity{ID: "u1", Username: "alice"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":[]}`, w.Body.String())
}

func TestRouterServesMetrics(t *testing.T) {
	router, _ := testRouter(t, stubPinger{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chat_relay_")
}

func TestDebugRoutesDisabledByDefault(t *testing.T) {
	router, tokens := testRouter(t, stubPinger{})
	token, err := tokens.Issue(auth.Identity{ID: "u1", Username: "alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/debug/hub", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterServesProfiles(t *testing.T) {
	router, tokens := testRouter(t, stubPinger{})
	token, err := tokens.Issue(auth.Identity{ID: "u1", Username: "alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/api/users/u2", strings.NewReader(`{"username":"x"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
