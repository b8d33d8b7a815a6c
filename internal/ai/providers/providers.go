package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/wabot/internal/ai"
	"github.com/ashureev/wabot/internal/config"
)

// New builds the provider named by cfg.Provider. The returned close function
// releases provider resources and is never nil.
func New(cfg config.AIConfig, logger *slog.Logger) (ai.Provider, func() error, error) {
	noop := func() error { return nil }
	opts := []Option{WithModel(cfg.Model), WithTimeout(cfg.Timeout.Duration)}

	switch cfg.Provider {
	case "gemini":
		return NewGemini(append(opts, WithAPIKey(cfg.GeminiAPIKey))...), noop, nil
	case "openai":
		return NewOpenAI(append(opts, WithAPIKey(cfg.OpenAIAPIKey))...), noop, nil
	case "anthropic":
		return NewAnthropic(append(opts, WithAPIKey(cfg.AnthropicAPIKey))...), noop, nil
	case "local":
		return NewLocal(cfg.LocalURL, opts...), noop, nil
	case "echo":
		return Echo{}, noop, nil
	case "grpc":
		p, err := NewGRPC(DefaultGRPCConfig(cfg.GRPCAddr), logger)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

// Disabled always fails, so the replier answers with its error fallback.
type Disabled struct {
	Reason string
}

// Name implements ai.Provider.
func (Disabled) Name() string { return "disabled" }

// Generate implements ai.Provider.
func (d Disabled) Generate(context.Context, ai.Prompt) (string, error) {
	return "", errors.New("AI disabled: " + d.Reason)
}
