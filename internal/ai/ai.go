// Package ai turns inbound chat text into a reply using a pluggable
// completion provider.
package ai

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/wabot/internal/domain"
)

// Default reply behaviour.
const (
	DefaultSystemPrompt = "Eres un asistente de WhatsApp en español. " +
		"Responde claro y útil en 3-5 frases como máximo. " +
		"Si piden algo técnico, da pasos concisos y ejemplos. " +
		"Evita mensajes muy largos; usa listas cortas si ayudan."

	// EmptyReplyFallback is sent when the provider returns nothing.
	EmptyReplyFallback = "¿Podrías repetirlo, por favor?"

	// ErrorReplyFallback is sent when the provider fails.
	ErrorReplyFallback = "Ahora mismo no puedo pensar 😅. Inténtalo de nuevo en un momento."

	defaultTimeout = 60 * time.Second
)

// Prompt is one reply request.
type Prompt struct {
	System  string
	History []domain.Turn
	Text    string
	From    string
}

// Provider generates a completion for a prompt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Option configures a Replier.
type Option func(*Replier)

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(r *Replier) {
		if prompt != "" {
			r.system = prompt
		}
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(r *Replier) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replier) { r.logger = logger }
}

// Replier wraps a Provider with the system prompt and reply fallbacks. Reply
// never fails.
type Replier struct {
	provider Provider
	system   string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewReplier creates a Replier around provider.
func NewReplier(provider Provider, opts ...Option) *Replier {
	r := &Replier{
		provider: provider,
		system:   DefaultSystemPrompt,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// ProviderName returns the configured provider's name.
func (r *Replier) ProviderName() string {
	return r.provider.Name()
}

// Reply asks the provider for a response to text given the recent history.
func (r *Replier) Reply(ctx context.Context, from, text string, history []domain.Turn) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := r.provider.Generate(ctx, Prompt{
		System:  r.system,
		History: history,
		Text:    text,
		From:    from,
	})
	if err != nil {
		r.logger.Error("AI provider failed", "provider", r.provider.Name(), "error", err, "duration", time.Since(start))
		return ErrorReplyFallback
	}

	reply := strings.TrimSpace(out)
	if reply == "" {
		r.logger.Warn("AI provider returned empty reply", "provider", r.provider.Name())
		return EmptyReplyFallback
	}
	r.logger.Debug("AI reply generated", "provider", r.provider.Name(), "duration", time.Since(start), "chars", len(reply))
	return reply
}
