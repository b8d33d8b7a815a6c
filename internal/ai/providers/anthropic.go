package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/wabot/internal/ai"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com/v1"
	anthropicDefaultModel = "claude-3-5-sonnet-latest"
	anthropicVersion      = "2023-06-01"
	anthropicMaxTokens    = 500
)

// Anthropic calls the messages API.
type Anthropic struct {
	opts options
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(opts ...Option) *Anthropic {
	return &Anthropic{opts: newOptions(anthropicBaseURL, anthropicDefaultModel, opts)}
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Name implements ai.Provider.
func (p *Anthropic) Name() string { return "anthropic" }

// Generate implements ai.Provider.
func (p *Anthropic) Generate(ctx context.Context, prompt ai.Prompt) (string, error) {
	if p.opts.apiKey == "" {
		return "", errors.New("anthropic: missing ANTHROPIC_API_KEY")
	}
	req := anthropicRequest{
		Model:       p.opts.model,
		System:      prompt.System,
		Messages:    chatMessages("", prompt.History, prompt.Text),
		MaxTokens:   anthropicMaxTokens,
		Temperature: 0.7,
	}
	headers := map[string]string{
		"x-api-key":         p.opts.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := postJSON(ctx, p.opts.httpClient, "anthropic", trimURL(p.opts.baseURL)+"/messages", headers, req, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
