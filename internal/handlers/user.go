package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/repositories"
	"chat-relay/internal/telemetry"
)

// PresenceNotifier re-pushes the online list after a profile change.
type PresenceNotifier interface {
	Broadcast(ctx context.Context)
}

// UserHandler serves profile lookups and edits.
type UserHandler struct {
	userRepo repositories.UserRepository
	presence PresenceNotifier
	audit    *telemetry.AuditEmitter
}

func NewUserHandler(userRepo repositories.UserRepository, presence PresenceNotifier, audit *telemetry.AuditEmitter) *UserHandler {
	return &UserHandler{userRepo: userRepo, presence: presence, audit: audit}
}

// GetUser handles GET /api/users/:user_id.
func (h *UserHandler) GetUser(c *gin.Context) {
	user, err := h.userRepo.FindByID(c.Request.Context(), c.Param("user_id"))
	if errors.Is(err, repositories.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateUser handles PATCH /api/users/:user_id. Users may only edit themselves.
func (h *UserHandler) UpdateUser(c *gin.Context) {
	targetID := c.Param("user_id")
	if targetID != userIDFromContext(c) {
		h.emitAudit(c, "WARN", "profile edit denied", targetID)
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot edit another user"})
		return
	}

	var req struct {
		Username     *string `json:"username" binding:"omitempty,max=64"`
		ProfilePhoto *string `json:"profilePhoto" binding:"omitempty,max=2048"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Username == nil && req.ProfilePhoto == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if req.Username != nil {
		name := strings.TrimSpace(*req.Username)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username cannot be empty"})
			return
		}
		req.Username = &name
	}

	user, err := h.userRepo.UpdateProfile(c.Request.Context(), targetID, repositories.ProfileUpdate{
		Username:  req.Username,
		AvatarURL: req.ProfilePhoto,
	})
	switch {
	case errors.Is(err, repositories.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	case errors.Is(err, repositories.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	case err != nil:
		h.emitAudit(c, "ERROR", "profile update failed", targetID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update user"})
		return
	}

	h.emitAudit(c, "INFO", "profile updated", targetID)
	if h.presence != nil {
		h.presence.Broadcast(c.Request.Context())
	}
	c.JSON(http.StatusOK, user)
}

func (h *UserHandler) emitAudit(c *gin.Context, level, text, targetID string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), map[string]string{"target_user_id": targetID})
}
