package ai

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/config"
)

// NewProvider selects the provider named by cfg.Provider.
func NewProvider(cfg config.AIConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "ark":
		return NewEinoProvider(cfg.Ark.NewChatModel, logger), nil
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	case "echo":
		return EchoProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
