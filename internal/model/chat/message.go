package chat

import "time"

// Role tags a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. Assistant content grows while a
// generation streams and is frozen once CompletedAt is set. Abandoned marks
// a draft whose generation failed and was superseded by a retry; it stays
// visible in the transcript but is never sent back to a model.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Abandoned      bool       `json:"abandoned,omitempty"`
}

// Finalized reports whether the message content is frozen.
func (m Message) Finalized() bool {
	return m.CompletedAt != nil
}
