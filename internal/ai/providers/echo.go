package providers

import (
	"context"

	"github.com/ashureev/wabot/internal/ai"
)

// Echo replies with the inbound text. Used for offline runs and tests.
type Echo struct{}

// Name implements ai.Provider.
func (Echo) Name() string { return "echo" }

// Generate implements ai.Provider.
func (Echo) Generate(_ context.Context, prompt ai.Prompt) (string, error) {
	return prompt.Text, nil
}
