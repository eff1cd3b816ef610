package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/repositories"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

// GroupHandler manages group-related endpoints and keeps live subscriptions in step.
type GroupHandler struct {
	groupRepo repositories.GroupRepository
	hub       *ws.Hub
	audit     *telemetry.AuditEmitter
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(groupRepo repositories.GroupRepository, hub *ws.Hub, audit *telemetry.AuditEmitter) *GroupHandler {
	return &GroupHandler{groupRepo: groupRepo, hub: hub, audit: audit}
}

// CreateGroup handles POST /api/group.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	userID := userIDFromContext(c)

	var req struct {
		Name    string   `json:"name" binding:"required,max=100"`
		Members []string `json:"members" binding:"max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	group, err := h.groupRepo.CreateGroup(c.Request.Context(), userID, name, req.Members)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error", "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create group"})
		return
	}

	// Members already connected start receiving the group without reconnecting.
	if h.hub != nil {
		for _, memberID := range group.MemberIDs {
			for _, conn := range h.hub.Subscribers(ws.PeerScope(memberID)) {
				h.hub.Subscribe(conn, ws.GroupScope(group.ID))
			}
		}
	}

	h.emitAudit(c, "INFO", "Group created", group.ID)
	c.JSON(http.StatusCreated, group)
}

// ListGroups returns groups the caller belongs to.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.groupRepo.ListGroupsForUser(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// UserGroups handles GET /api/group/user/:user_id.
func (h *GroupHandler) UserGroups(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id required"})
		return
	}
	groups, err := h.groupRepo.ListGroupsForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// LeaveGroup handles POST /api/group/:group_id/leave.
func (h *GroupHandler) LeaveGroup(c *gin.Context) {
	groupID := c.Param("group_id")
	userID := userIDFromContext(c)

	member, err := h.groupRepo.IsMember(c.Request.Context(), groupID, userID)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error", groupID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		c.JSON(http.StatusNotFound, gin.H{"error": "not a member"})
		return
	}

	if err := h.groupRepo.RemoveMember(c.Request.Context(), groupID, userID); err != nil {
		h.emitAudit(c, "ERROR", "internal error", groupID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not leave group"})
		return
	}
	if h.hub != nil {
		h.hub.UnsubscribeIdentity(userID, ws.GroupScope(groupID))
	}

	h.emitAudit(c, "INFO", "Group left", groupID)
	c.Status(http.StatusNoContent)
}

// DeleteGroup removes a group and all of its messages. Only the creator may delete.
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	groupID := c.Param("group_id")
	userID := userIDFromContext(c)

	group, err := h.groupRepo.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, repositories.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		h.emitAudit(c, "ERROR", "internal error", groupID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load group"})
		return
	}
	if group.CreatorID != userID {
		h.emitAudit(c, "ERROR", "not allowed to delete group", groupID)
		c.JSON(http.StatusForbidden, gin.H{"error": "only the creator may delete"})
		return
	}

	if err := h.groupRepo.DeleteGroup(c.Request.Context(), groupID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrGroupNotFound) {
			status = http.StatusNotFound
		}
		h.emitAudit(c, "ERROR", "could not delete group", groupID)
		c.JSON(status, gin.H{"error": "could not delete"})
		return
	}
	if h.hub != nil {
		h.hub.DropScope(ws.GroupScope(groupID))
	}

	h.emitAudit(c, "INFO", "Group deleted", groupID)
	c.Status(http.StatusNoContent)
}

func (h *GroupHandler) emitAudit(c *gin.Context, level, text, groupID string) {
	if h.audit == nil {
		return
	}
	var fields map[string]string
	if groupID != "" {
		fields = map[string]string{"group_id": groupID}
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), fields)
}
