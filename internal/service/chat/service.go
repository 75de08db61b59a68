package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/model/catalog"
	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
	"github.com/zhouzirui/dealroom/backend/internal/queue"
	"github.com/zhouzirui/dealroom/backend/internal/service/ai"
	"github.com/zhouzirui/dealroom/backend/internal/store"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrEmptyPrompt  = ai.ErrEmptyPrompt
)

// Service holds the chat use cases behind the HTTP handlers: it persists
// user input and hands generation off to the queue.
type Service struct {
	store        store.Store
	models       catalog.Store
	queue        queue.TaskQueue
	defaultModel string
	logger       *zap.Logger
}

type Options struct {
	// DefaultModel is used when a conversation is started without a model.
	DefaultModel string
	Logger       *zap.Logger
}

func NewService(st store.Store, models catalog.Store, q queue.TaskQueue, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultModel := opts.DefaultModel
	if defaultModel == "" {
		if list := models.List(); len(list) > 0 {
			defaultModel = list[0].ID
		}
	}
	return &Service{
		store:        st,
		models:       models,
		queue:        q,
		defaultModel: defaultModel,
		logger:       logger.Named("chat"),
	}
}

// Models lists the models a conversation can be started with.
func (s *Service) Models() []catalog.Model {
	return s.models.List()
}

// StartConversation creates a conversation with its first prompt and
// schedules the reply. If the reply cannot be queued the new conversation is
// removed again, so a failed request leaves nothing behind.
func (s *Service) StartConversation(ctx context.Context, modelID, prompt string) (chat.Conversation, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return chat.Conversation{}, ErrEmptyPrompt
	}
	if modelID = strings.TrimSpace(modelID); modelID == "" {
		modelID = s.defaultModel
	}
	model, ok := s.models.FindByID(modelID)
	if !ok {
		return chat.Conversation{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}

	conv, err := s.store.CreateConversation(ctx, model.ID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if model.Instructions != "" {
		if _, err := s.store.AppendSystemMessage(ctx, conv.ID, model.Instructions); err != nil {
			return chat.Conversation{}, fmt.Errorf("store instructions: %w", err)
		}
	}
	user, err := s.store.AppendUserMessage(ctx, conv.ID, prompt)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("store prompt: %w", err)
	}
	if err := s.enqueue(ctx, user); err != nil {
		if derr := s.store.DeleteConversation(context.WithoutCancel(ctx), conv.ID); derr != nil {
			s.logger.Error("rollback of unqueued conversation failed",
				zap.Int64("conversation_id", conv.ID),
				zap.Error(derr))
		}
		return chat.Conversation{}, err
	}

	s.logger.Info("conversation started",
		zap.Int64("conversation_id", conv.ID),
		zap.String("model", model.ID))
	return s.store.GetConversation(ctx, conv.ID)
}

// SubmitPrompt appends a user message to an existing conversation and
// schedules the reply. If the reply cannot be queued the message is removed
// again so the transcript never holds a prompt nobody will answer.
func (s *Service) SubmitPrompt(ctx context.Context, conversationID int64, content string) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, ErrEmptyPrompt
	}

	msg, err := s.store.AppendUserMessage(ctx, conversationID, content)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store prompt: %w", err)
	}
	if err := s.enqueue(ctx, msg); err != nil {
		if derr := s.store.DeleteMessage(context.WithoutCancel(ctx), msg.ID); derr != nil {
			s.logger.Error("rollback of unqueued prompt failed",
				zap.Int64("conversation_id", conversationID),
				zap.Int64("message_id", msg.ID),
				zap.Error(derr))
		}
		return chat.Message{}, err
	}
	return msg, nil
}

// ListConversations returns the index view, newest first.
func (s *Service) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	list, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for i := range list {
		if m, ok := s.models.FindByID(list[i].ModelID); ok {
			list[i].ModelName = m.Name
		}
	}
	return list, nil
}

func (s *Service) GetConversation(ctx context.Context, id int64) (chat.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

func (s *Service) DeleteConversation(ctx context.Context, id int64) error {
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	s.logger.Info("conversation deleted", zap.Int64("conversation_id", id))
	return nil
}

func (s *Service) enqueue(ctx context.Context, prompt chat.Message) error {
	job := queue.NewJob(prompt.ConversationID, prompt.ID, prompt.Content)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Error("enqueue failed",
			zap.Int64("conversation_id", prompt.ConversationID),
			zap.Int64("message_id", prompt.ID),
			zap.Error(err))
		return fmt.Errorf("enqueue reply: %w", err)
	}
	return nil
}
