package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
	"chat-relay/internal/telemetry"
)

// HistoryHandler serves stored messages for clients catching up after a reconnect.
type HistoryHandler struct {
	messageRepo repositories.MessageRepository
	groupRepo   repositories.GroupRepository
	userRepo    repositories.UserRepository
	audit       *telemetry.AuditEmitter
}

// NewHistoryHandler constructs a HistoryHandler.
func NewHistoryHandler(messageRepo repositories.MessageRepository, groupRepo repositories.GroupRepository, userRepo repositories.UserRepository, audit *telemetry.AuditEmitter) *HistoryHandler {
	return &HistoryHandler{messageRepo: messageRepo, groupRepo: groupRepo, userRepo: userRepo, audit: audit}
}

type messageResponse struct {
	models.Message
	Username  string `json:"username"`
	AvatarURL string `json:"profilePhoto"`
}

// GlobalMessages handles GET /api/messages.
func (h *HistoryHandler) GlobalMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	msgs, err := h.messageRepo.ListGlobal(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	h.respond(c, msgs)
}

// GroupMessages handles GET /api/group/:group_id/messages.
func (h *HistoryHandler) GroupMessages(c *gin.Context) {
	groupID := c.Param("group_id")
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	if _, err := h.groupRepo.GetGroup(c.Request.Context(), groupID); err != nil {
		if errors.Is(err, repositories.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load group"})
		return
	}

	member, err := h.groupRepo.IsMember(c.Request.Context(), groupID, userIDFromContext(c))
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		h.emitAudit(c, "ERROR", "not allowed")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return
	}

	msgs, err := h.messageRepo.ListGroup(c.Request.Context(), groupID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	h.respond(c, msgs)
}

// PrivateMessages handles GET /api/chat/private/:peer_id.
func (h *HistoryHandler) PrivateMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	msgs, err := h.messageRepo.ListPrivate(c.Request.Context(), userIDFromContext(c), c.Param("peer_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	h.respond(c, msgs)
}

func (h *HistoryHandler) respond(c *gin.Context, msgs []models.Message) {
	users := h.sendersOf(c.Request.Context(), msgs)
	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		item := messageResponse{Message: m, Username: m.SenderID}
		if u, ok := users[m.SenderID]; ok {
			item.Username = u.Username
			item.AvatarURL = u.AvatarURL
		}
		resp = append(resp, item)
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

// sendersOf loads display data for every distinct sender. Lookup failures
// leave senders under their raw id.
func (h *HistoryHandler) sendersOf(ctx context.Context, msgs []models.Message) map[string]models.User {
	ids := make([]string, 0, len(msgs))
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			ids = append(ids, m.SenderID)
		}
	}
	byID := map[string]models.User{}
	if len(ids) == 0 {
		return byID
	}
	users, err := h.userRepo.FindByIDs(ctx, ids)
	if err != nil {
		return byID
	}
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID
}

func (h *HistoryHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), map[string]string{"path": c.FullPath()})
}
