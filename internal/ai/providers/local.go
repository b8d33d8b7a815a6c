package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ashureev/wabot/internal/ai"
)

const localDefaultModel = "llama3.1"

// Local posts chat messages to an operator-run JSON endpoint and reads the
// reply from "reply" or "output".
type Local struct {
	opts options
}

// NewLocal creates a provider for the endpoint at url.
func NewLocal(url string, opts ...Option) *Local {
	return &Local{opts: newOptions(url, localDefaultModel, opts)}
}

type localRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// Name implements ai.Provider.
func (p *Local) Name() string { return "local" }

// Generate implements ai.Provider.
func (p *Local) Generate(ctx context.Context, prompt ai.Prompt) (string, error) {
	if p.opts.baseURL == "" {
		return "", errors.New("local: missing LOCAL_AI_URL")
	}
	req := localRequest{
		Model:    p.opts.model,
		Messages: chatMessages(prompt.System, prompt.History, prompt.Text),
	}

	var raw map[string]json.RawMessage
	if err := postJSON(ctx, p.opts.httpClient, "local", p.opts.baseURL, nil, req, &raw); err != nil {
		return "", err
	}
	for _, key := range []string{"reply", "output"} {
		var s string
		if v, ok := raw[key]; ok && json.Unmarshal(v, &s) == nil && s != "" {
			return s, nil
		}
	}
	// Unknown shape: hand back the body so the operator sees something.
	body, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
