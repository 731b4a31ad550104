package models

import "time"

// Chat is a titled conversation owned by exactly one identity.
// UpdatedAt is refreshed whenever a message is appended.
type Chat struct {
	ID            int64      `json:"id" db:"id"`
	Title         string     `json:"title" db:"title"`
	OwnerIdentity string     `json:"userId" db:"owner_identity"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
	Messages      []*Message `json:"messages,omitempty" db:"-"`
}

// ChatSummary is the list-view projection of a chat: metadata plus a message
// count, without the messages themselves.
type ChatSummary struct {
	ID           int64     `json:"id" db:"id"`
	Title        string    `json:"title" db:"title"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
	MessageCount int       `json:"messageCount" db:"message_count"`
}
