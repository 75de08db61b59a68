package ai

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/model/catalog"
	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

// Service is the completion driver: it turns a conversation plus a new
// prompt into a chunk stream from the configured provider.
type Service struct {
	provider Provider
	models   catalog.Store
	prompts  PromptBuilder
	logger   *zap.Logger
}

type Options struct {
	HistoryLimit int
	Logger       *zap.Logger
}

// NewService wires a provider with the model catalog. models may be nil, in
// which case no instructions are added.
func NewService(provider Provider, models catalog.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider: provider,
		models:   models,
		prompts:  PromptBuilder{HistoryLimit: opts.HistoryLimit},
		logger:   logger.Named("ai"),
	}
}

// Complete starts a generation answering prompt. When prompt.ID is set it
// names a stored user message of conv: its stored content is used and only
// the messages before it go into the history, so later turns never leak into
// an earlier reply. A zero ID answers prompt.Content on top of the whole
// transcript. The returned stream is lazy; nothing is read until the caller
// calls Recv.
func (s *Service) Complete(ctx context.Context, conv chat.Conversation, prompt chat.Message) (Stream, error) {
	history, prompt, err := splitAtPrompt(conv, prompt)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt.Content) == "" {
		return nil, ErrEmptyPrompt
	}

	var instructions string
	if s.models != nil {
		if m, ok := s.models.FindByID(conv.ModelID); ok {
			instructions = m.Instructions
		}
	}
	input := s.prompts.Build(instructions, history, prompt)

	stream, err := s.provider.Stream(ctx, conv.ModelID, input)
	if err != nil {
		return nil, fmt.Errorf("start completion for conversation %d: %w", conv.ID, err)
	}

	s.logger.Debug("completion started",
		zap.Int64("conversation_id", conv.ID),
		zap.Int64("prompt_id", prompt.ID),
		zap.String("model", conv.ModelID),
		zap.Int("input_messages", len(input)))
	return stream, nil
}

func splitAtPrompt(conv chat.Conversation, prompt chat.Message) ([]chat.Message, chat.Message, error) {
	if prompt.ID == 0 {
		return conv.Messages, prompt, nil
	}
	history, ok := conv.Before(prompt.ID)
	if !ok {
		return nil, chat.Message{}, fmt.Errorf("%w: message %d in conversation %d", ErrPromptNotFound, prompt.ID, conv.ID)
	}
	stored := conv.Messages[len(history)]
	if stored.Role != chat.RoleUser {
		return nil, chat.Message{}, fmt.Errorf("%w: message %d is a %s message", ErrPromptNotFound, prompt.ID, stored.Role)
	}
	return history, stored, nil
}
