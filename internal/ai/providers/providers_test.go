package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/wabot/internal/ai"
	"github.com/ashureev/wabot/internal/config"
	"github.com/ashureev/wabot/internal/domain"
)

func testPrompt() ai.Prompt {
	return ai.Prompt{
		System: "be nice",
		History: []domain.Turn{
			{Role: domain.RoleUser, Text: "hola"},
			{Role: domain.RoleAssistant, Text: "¡hola!"},
		},
		Text: "¿qué tal?",
		From: "5511",
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"bien"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(srv.URL+"/"))
	out, err := p.Generate(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "bien" {
		t.Errorf("expected bien, got %q", out)
	}
	if got.Model != openAIDefaultModel || len(got.Messages) != 4 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[2].Role != "assistant" || got.Messages[3].Content != "¿qué tal?" {
		t.Errorf("unexpected message layout %+v", got.Messages)
	}
}

func TestOpenAIMissingKey(t *testing.T) {
	if _, err := NewOpenAI().Generate(context.Background(), testPrompt()); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing anthropic headers")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"uno "},{"type":"tool_use"},{"type":"text","text":"dos"}]}`))
	}))
	defer srv.Close()

	out, err := NewAnthropic(WithAPIKey("ak"), WithBaseURL(srv.URL), WithModel("claude-test")).Generate(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "uno dos" {
		t.Errorf("expected joined text blocks, got %q", out)
	}
	if got.System != "be nice" || got.Model != "claude-test" || got.MaxTokens != anthropicMaxTokens {
		t.Errorf("unexpected request %+v", got)
	}
	for _, m := range got.Messages {
		if m.Role == "system" {
			t.Error("system prompt must not be sent as a message")
		}
	}
}

func TestGeminiGenerate(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-1.5-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "gk" {
			t.Errorf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"vale"}]}}]}`))
	}))
	defer srv.Close()

	out, err := NewGemini(WithAPIKey("gk"), WithBaseURL(srv.URL)).Generate(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "vale" {
		t.Errorf("expected vale, got %q", out)
	}

	text := got.Contents[0].Parts[0].Text
	want := "SYSTEM: be nice\nUSER: hola\nASSISTANT: ¡hola!\nUSER: ¿qué tal?\nASSISTANT:"
	if text != want {
		t.Errorf("unexpected transcript:\n%s", text)
	}
}

func TestLocalGenerate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"reply field", `{"reply":"r"}`, "r"},
		{"output field", `{"output":"o"}`, "o"},
		{"unknown shape", `{"foo":1}`, `{"foo":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out, err := NewLocal(srv.URL).Generate(context.Background(), testPrompt())
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if out != tt.want {
				t.Errorf("expected %q, got %q", tt.want, out)
			}
		})
	}
}

func TestHTTPErrorIncludesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewLocal(srv.URL).Generate(context.Background(), testPrompt())
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	for _, name := range []string{"gemini", "openai", "anthropic", "local", "echo"} {
		cfg := config.Default().AI
		cfg.Provider = name
		p, closeFn, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("expected %s, got %s", name, p.Name())
		}
		if err := closeFn(); err != nil {
			t.Errorf("close %s: %v", name, err)
		}
	}

	cfg := config.Default().AI
	cfg.Provider = "cohere"
	if _, _, err := New(cfg, nil); err == nil {
		t.Error("expected unknown provider error")
	}

	cfg.Provider = "grpc"
	if _, _, err := New(cfg, nil); err == nil {
		t.Error("expected missing grpc address error")
	}
}

func TestDisabledFails(t *testing.T) {
	if _, err := (Disabled{Reason: "no key"}).Generate(context.Background(), testPrompt()); err == nil {
		t.Fatal("expected error")
	}
}
