package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, hub *ws.Hub, registry *ws.Registry, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/hub", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections": hub.Count(),
			"scopes":      hub.ScopeCount(),
			"online":      registry.ListOnline(),
		})
	})
}
