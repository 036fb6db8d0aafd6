package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r may be stored as a message role.
// System turns are only ever sent to the model, never persisted.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Room struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is the provider-agnostic shape handed to the completion client.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
