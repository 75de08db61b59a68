package ai

import (
	"context"
	"fmt"
	"io"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

// LangChainProvider streams from any langchaingo model. The streaming
// callback is bridged into a pull-based Stream.
type LangChainProvider struct {
	model  llms.Model
	logger *zap.Logger
}

// NewOpenAIProvider talks to an OpenAI-compatible endpoint. The model id is
// chosen per call.
func NewOpenAIProvider(apiKey, baseURL string, logger *zap.Logger) (*LangChainProvider, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return NewLangChainProvider(llm, logger), nil
}

func NewLangChainProvider(model llms.Model, logger *zap.Logger) *LangChainProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LangChainProvider{model: model, logger: logger.Named("ai.langchain")}
}

func (p *LangChainProvider) Stream(ctx context.Context, modelID string, input []chat.Message) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &callbackStream{
		chunks: make(chan string),
		cancel: cancel,
	}

	go func() {
		defer close(s.chunks)
		_, err := p.model.GenerateContent(ctx, toMessageContent(input),
			llms.WithModel(modelID),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case s.chunks <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		)
		if err != nil {
			s.err = fmt.Errorf("generate content: %w", err)
		}
	}()

	return s, nil
}

// callbackStream hands chunks from the generating goroutine to Recv. err is
// written before chunks is closed and read only after.
type callbackStream struct {
	chunks chan string
	err    error
	cancel context.CancelFunc
}

func (s *callbackStream) Recv() (Chunk, error) {
	c, ok := <-s.chunks
	if !ok {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	return Chunk{Content: c}, nil
}

func (s *callbackStream) Close() {
	s.cancel()
}

func toMessageContent(messages []chat.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			out = append(out, llms.TextParts(schema.ChatMessageTypeSystem, msg.Content))
		case chat.RoleUser:
			out = append(out, llms.TextParts(schema.ChatMessageTypeHuman, msg.Content))
		case chat.RoleAssistant:
			out = append(out, llms.TextParts(schema.ChatMessageTypeAI, msg.Content))
		}
	}
	return out
}
