// Package store persists conversations and their messages.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrMessageFinalized     = errors.New("message already finalized")
)

// Store is the conversation persistence contract. Errors are returned to the
// caller unchanged apart from wrapping; no backend retries locally.
type Store interface {
	CreateConversation(ctx context.Context, modelID string) (chat.Conversation, error)
	GetConversation(ctx context.Context, id int64) (chat.Conversation, error)
	ListConversations(ctx context.Context) ([]chat.ConversationSummary, error)
	DeleteConversation(ctx context.Context, id int64) error
	ListMessages(ctx context.Context, conversationID int64) ([]chat.Message, error)

	AppendUserMessage(ctx context.Context, conversationID int64, content string) (chat.Message, error)
	AppendSystemMessage(ctx context.Context, conversationID int64, content string) (chat.Message, error)

	// TrailingAssistantMessage returns the last message when it is an
	// unfinished assistant message and creates an empty one otherwise.
	TrailingAssistantMessage(ctx context.Context, conversationID int64) (chat.Message, error)
	AppendToMessage(ctx context.Context, messageID int64, fragment string) error
	// FinalizeMessage freezes the message content. Finalizing twice returns
	// the already frozen record.
	FinalizeMessage(ctx context.Context, messageID int64) (chat.Message, error)
	// AbandonMessage freezes an unfinished draft and marks it abandoned so it
	// is kept for display but left out of later prompts. A message finalized
	// normally yields ErrMessageFinalized.
	AbandonMessage(ctx context.Context, messageID int64) (chat.Message, error)
	// DeleteMessage removes a single message. It undoes a user turn that
	// could not be queued for generation.
	DeleteMessage(ctx context.Context, messageID int64) error

	Close() error
}
