package ws

import (
	"time"

	"chat-relay/internal/models"
)

// Event names carried in Frame.Event.
const (
	EventOnlineUsers        = "onlineUsers"
	EventChatMessage        = "chatMessage"
	EventGroupMessage       = "groupMessage"
	EventPrivateMessage     = "privateMessage"
	EventTyping             = "typing"
	EventStopTyping         = "stopTyping"
	EventError              = "error"
	EventJoinGroups         = "joinGroups"
	EventJoinGroup          = "joinGroup"
	EventLeaveGroup         = "leaveGroup"
	EventRequestOnlineUsers = "requestOnlineUsers"
)

// Error codes sent in ErrorPayload.Code.
const (
	CodeInvalidEvent  = "invalid_event"
	CodeUnknownEvent  = "unknown_event"
	CodePersistFailed = "persist_failed"
	CodeRateLimited   = "rate_limited"
)

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// MessagePayload is the delivered form of a persisted chat event.
type MessagePayload struct {
	ID        int64            `json:"id"`
	Scope     models.ScopeKind `json:"scope"`
	GroupID   string           `json:"groupId,omitempty"`
	From      string           `json:"from"`
	To        string           `json:"to,omitempty"`
	Username  string           `json:"username"`
	AvatarURL string           `json:"profilePhoto"`
	Content   string           `json:"content,omitempty"`
	FileURL   string           `json:"fileUrl,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

type TypingPayload struct {
	From     string `json:"from"`
	Username string `json:"username"`
	To       string `json:"to,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
}
