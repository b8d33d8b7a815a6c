package providers

import (
	"context"
	"errors"

	"github.com/ashureev/wabot/internal/ai"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAI calls the chat completions API.
type OpenAI struct {
	opts options
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(opts ...Option) *OpenAI {
	return &OpenAI{opts: newOptions(openAIBaseURL, openAIDefaultModel, opts)}
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Name implements ai.Provider.
func (p *OpenAI) Name() string { return "openai" }

// Generate implements ai.Provider.
func (p *OpenAI) Generate(ctx context.Context, prompt ai.Prompt) (string, error) {
	if p.opts.apiKey == "" {
		return "", errors.New("openai: missing OPENAI_API_KEY")
	}
	req := openAIRequest{
		Model:       p.opts.model,
		Messages:    chatMessages(prompt.System, prompt.History, prompt.Text),
		Temperature: 0.7,
	}
	headers := map[string]string{"Authorization": "Bearer " + p.opts.apiKey}

	var resp openAIResponse
	if err := postJSON(ctx, p.opts.httpClient, "openai", trimURL(p.opts.baseURL)+"/chat/completions", headers, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
