package models

import "time"

// Group represents a chat group.
type Group struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatorID string    `db:"creator_id" json:"creatorId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	MemberIDs []string  `db:"-" json:"members,omitempty"`
}
