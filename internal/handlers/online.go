package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/ws"
)

// OnlineHandler exposes the current presence snapshot over REST.
type OnlineHandler struct {
	presence *ws.Presence
}

func NewOnlineHandler(presence *ws.Presence) *OnlineHandler {
	return &OnlineHandler{presence: presence}
}

// ListOnline handles GET /api/online.
func (h *OnlineHandler) ListOnline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.presence.Snapshot(c.Request.Context())})
}
