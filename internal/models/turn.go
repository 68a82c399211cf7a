package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NormalizeRole maps stored role names onto the roles the completion layer
// understands. Older rows use "model" for assistant replies.
func NormalizeRole(r string) Role {
	switch r {
	case "assistant", "model":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// Turn is one message exchanged in a chat. Turns are immutable once stored
// and ordered by ID within their chat.
type Turn struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
