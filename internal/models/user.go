package models

import "time"

// User is the display side of an identity. Credentials live elsewhere.
type User struct {
	ID        string    `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	AvatarURL string    `db:"avatar_url" json:"profilePhoto"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// OnlineUser is one entry of a presence snapshot.
type OnlineUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"profilePhoto"`
}
