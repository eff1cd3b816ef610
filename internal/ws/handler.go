package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-relay/internal/auth"
	"chat-relay/internal/observability"
)

// Authenticator verifies the credential presented at the handshake.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// EventPublisher receives websocket lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// WebSocketHandler authenticates handshakes and runs each connection's lifecycle.
type WebSocketHandler struct {
	hub       *Hub
	registry  *Registry
	relay     *Relay
	presence  *Presence
	auth      Authenticator
	publisher EventPublisher
	clientCfg ClientConfig
	upgrader  websocket.Upgrader
	logger    *zap.Logger

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewWebSocketHandler constructs a WebSocketHandler. An empty allowedOrigins
// list, or one containing "*", accepts every origin.
func NewWebSocketHandler(hub *Hub, registry *Registry, relay *Relay, presence *Presence, authenticator Authenticator, publisher EventPublisher, cfg ClientConfig, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		hub:       hub,
		registry:  registry,
		relay:     relay,
		presence:  presence,
		auth:      authenticator,
		publisher: publisher,
		clientCfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := map[string]struct{}{}
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// Handle upgrades the connection and registers the client.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-relay/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}
	identity, err := h.auth.Verify(token)
	if err != nil {
		h.logger.Debug("websocket handshake rejected", zap.String("ip", observability.IPFromRequest(c.Request)), zap.Error(err))
		observability.IncWSEvent("ws_rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if !h.beginSession() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.sessions.Done()
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.ID,
		Username:    identity.Username,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := NewClient(conn, info, h.clientCfg, h.logger)

	go func() {
		defer h.sessions.Done()
		h.serve(context.WithoutCancel(ctx), client)
	}()
}

// serve runs one connection from attach to detach.
func (h *WebSocketHandler) serve(ctx context.Context, client *Client) {
	info := client.Info()

	h.hub.Attach(client)
	if h.isClosing() {
		// Shutdown already swept the hub.
		h.hub.Detach(client)
		client.Close()
		return
	}
	h.relay.JoinAllGroups(ctx, client)
	count, _ := h.registry.Register(info.UserID)
	observability.IncWSActive()
	h.publishLifecycle(ctx, "ws_connect", info, "")
	h.logger.Info("websocket connected",
		zap.String("conn_id", info.ConnID),
		zap.String("user_id", info.UserID),
		zap.Int("user_connections", count),
	)
	h.presence.Broadcast(ctx)

	err := client.Run(ctx, func(ctx context.Context, frame []byte) {
		h.relay.Handle(ctx, client, frame)
	})
	reason := client.CloseReason()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
		reason != reasonServerClose && reason != reasonSendQueueFull {
		h.publishLifecycle(ctx, "ws_error", info, err.Error())
	}

	h.hub.Detach(client)
	count, _ = h.registry.Unregister(info.UserID)
	observability.DecWSActive()
	h.publishLifecycle(ctx, "ws_disconnect", info, reason)
	h.logger.Info("websocket disconnected",
		zap.String("conn_id", info.ConnID),
		zap.String("user_id", info.UserID),
		zap.String("reason", reason),
		zap.Int("user_connections", count),
	)
	h.presence.Broadcast(ctx)
}

func (h *WebSocketHandler) publishLifecycle(ctx context.Context, event string, info ConnInfo, reason string) {
	observability.IncWSEvent(event)
	if h.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	envelope := observability.NewEventEnvelope("ws_events", event, payload)
	if err := h.publisher.Publish(ctx, observability.RoutingKeyWSEvents, envelope, observability.BuildHeaders(info.RequestID, info.TraceID)); err != nil {
		h.logger.Debug("publish ws lifecycle event failed", zap.String("event", event), zap.Error(err))
	}
}

func (h *WebSocketHandler) beginSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

func (h *WebSocketHandler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Shutdown refuses new handshakes, closes every connection and waits for
// their sessions to finish.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.hub.Close()
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
