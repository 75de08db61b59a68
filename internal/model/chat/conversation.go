package chat

import (
	"strconv"
	"time"
)

// Conversation ties a model choice to an ordered transcript.
type Conversation struct {
	ID        int64     `json:"id"`
	ModelID   string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID            int64     `json:"id"`
	ModelID       string    `json:"model"`
	ModelName     string    `json:"model_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	MessagesCount int       `json:"messages_count"`
}

// Last returns the trailing message of the transcript.
func (c Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Before returns the messages preceding the message with the given id. ok is
// false when the transcript has no such message.
func (c Conversation) Before(messageID int64) (_ []Message, ok bool) {
	for i, msg := range c.Messages {
		if msg.ID == messageID {
			return c.Messages[:i], true
		}
	}
	return nil, false
}

// Topic is the pub/sub address subscribers use to follow a conversation.
func Topic(conversationID int64) string {
	return "chat_" + strconv.FormatInt(conversationID, 10)
}
