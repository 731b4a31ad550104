package models

import "time"

type Role string

const (
	RoleUser Role = "USER"
	RoleBot  Role = "BOT"
)

// ModelUnknown is stored when the caller does not name the producing model.
const ModelUnknown = "UNKNOWN"

// Message is one turn's content inside a chat. Messages are immutable once
// created; ordering within a chat follows insertion order.
type Message struct {
	ID        int64     `json:"id" db:"id"`
	ChatID    int64     `json:"chatId" db:"chat_id"`
	Content   string    `json:"content" db:"content"`
	Role      Role      `json:"role" db:"role"`
	ModelUsed string    `json:"modelUsed" db:"model_used"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
