package providers

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/ashureev/wabot/internal/ai"
)

const (
	geminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel = "gemini-1.5-flash"
)

// Gemini calls generateContent with a single flattened transcript.
type Gemini struct {
	opts options
}

// NewGemini creates a Gemini provider.
func NewGemini(opts ...Option) *Gemini {
	return &Gemini{opts: newOptions(geminiBaseURL, geminiDefaultModel, opts)}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Name implements ai.Provider.
func (p *Gemini) Name() string { return "gemini" }

// Generate implements ai.Provider.
func (p *Gemini) Generate(ctx context.Context, prompt ai.Prompt) (string, error) {
	if p.opts.apiKey == "" {
		return "", errors.New("gemini: missing GEMINI_API_KEY")
	}
	req := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: transcript(prompt)}},
		}},
	}
	endpoint := trimURL(p.opts.baseURL) + "/models/" + url.PathEscape(p.opts.model) +
		":generateContent?key=" + url.QueryEscape(p.opts.apiKey)

	var resp geminiResponse
	if err := postJSON(ctx, p.opts.httpClient, "gemini", endpoint, nil, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// transcript renders the prompt as labelled lines ending with an open
// assistant turn.
func transcript(prompt ai.Prompt) string {
	lines := make([]string, 0, len(prompt.History)+3)
	if prompt.System != "" {
		lines = append(lines, "SYSTEM: "+prompt.System)
	}
	for _, t := range prompt.History {
		lines = append(lines, strings.ToUpper(roleString(t.Role))+": "+t.Text)
	}
	lines = append(lines, "USER: "+prompt.Text, "ASSISTANT:")
	return strings.Join(lines, "\n")
}
