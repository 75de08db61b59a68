package ai

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

// ChatModelFactory builds an eino chat model for a model id.
type ChatModelFactory func(ctx context.Context, modelID string) (model.ChatModel, error)

type einoChain = compose.Runnable[[]*schema.Message, *schema.Message]

// EinoProvider streams through an eino chain per model. Chains are compiled
// on first use and cached.
type EinoProvider struct {
	factory ChatModelFactory
	logger  *zap.Logger

	mu     sync.Mutex
	chains map[string]einoChain
}

func NewEinoProvider(factory ChatModelFactory, logger *zap.Logger) *EinoProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EinoProvider{
		factory: factory,
		logger:  logger.Named("ai.eino"),
		chains:  make(map[string]einoChain),
	}
}

func (p *EinoProvider) Stream(ctx context.Context, modelID string, input []chat.Message) (Stream, error) {
	runnable, err := p.chain(ctx, modelID)
	if err != nil {
		return nil, err
	}

	reader, err := runnable.Stream(ctx, toSchemaMessages(input))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

func (p *EinoProvider) chain(ctx context.Context, modelID string) (einoChain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.chains[modelID]; ok {
		return c, nil
	}

	chatModel, err := p.factory(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model %s: %w", modelID, err)
	}

	chain := compose.NewChain[[]*schema.Message, *schema.Message]()
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	p.chains[modelID] = runnable
	p.logger.Info("chat chain compiled", zap.String("model", modelID))
	return runnable, nil
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// Recv passes io.EOF through unchanged.
func (s *einoStream) Recv() (Chunk, error) {
	msg, err := s.reader.Recv()
	if err != nil {
		return Chunk{}, err
	}
	if msg == nil {
		return Chunk{}, nil
	}
	return Chunk{Content: msg.Content}, nil
}

func (s *einoStream) Close() {
	s.reader.Close()
}

func toSchemaMessages(messages []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(msg.Content))
		case chat.RoleUser:
			out = append(out, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return out
}
