package ai

import (
	"context"
	"errors"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

var (
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrPromptNotFound  = errors.New("prompt message not found")
	ErrUnknownProvider = errors.New("unknown ai provider")
)

// Chunk is one fragment of generated text. Content may be empty.
type Chunk struct {
	Content string
}

// Stream yields chunks in generation order. Recv returns io.EOF once the
// provider has finished; any other error ends the stream as a failure.
// A stream is read once and must be closed by the consumer.
type Stream interface {
	Recv() (Chunk, error)
	Close()
}

// Provider turns a model input into a chunk stream. Providers never retry.
type Provider interface {
	Stream(ctx context.Context, modelID string, input []chat.Message) (Stream, error)
}
