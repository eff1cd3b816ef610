package models

import "time"

// ScopeKind names a broadcast destination family.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeGroup  ScopeKind = "group"
	ScopePeer   ScopeKind = "peer"
)

// Message is a persisted chat event. ScopeID is empty for global messages, the
// group id for group messages and the recipient id for peer messages.
type Message struct {
	ID        int64     `db:"id" json:"id"`
	ScopeKind ScopeKind `db:"scope_kind" json:"scope"`
	ScopeID   string    `db:"scope_id" json:"scopeId,omitempty"`
	SenderID  string    `db:"sender_id" json:"senderId"`
	Content   string    `db:"content" json:"content,omitempty"`
	FileURL   string    `db:"file_url" json:"fileUrl,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// NewMessage is the input to an append. CreatedAt is assigned by the server.
type NewMessage struct {
	ScopeKind ScopeKind
	ScopeID   string
	SenderID  string
	Content   string
	FileURL   string
	CreatedAt time.Time
}
