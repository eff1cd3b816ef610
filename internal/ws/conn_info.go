package ws

import (
	"time"

	"chat-relay/internal/auth"
)

type ConnInfo struct {
	ConnID      string
	UserID      string
	Username    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) Identity() auth.Identity {
	return auth.Identity{ID: i.UserID, Username: i.Username}
}
