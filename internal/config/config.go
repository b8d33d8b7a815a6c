// Package config provides application configuration.
//
// Values come from three layers, lowest priority first: built-in defaults,
// an optional TOML file, and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration.
type Config struct {
	Port         string `toml:"port"`
	LogLevel     string `toml:"log_level"`
	FrontendURL  string `toml:"frontend_url"`
	ControlToken string `toml:"control_token"`

	AuthDir            string `toml:"auth_dir"`
	CredentialsKeyFile string `toml:"credentials_key_file"`

	Bridge   BridgeConfig   `toml:"bridge"`
	Session  SessionConfig  `toml:"session"`
	History  HistoryConfig  `toml:"history"`
	Pipeline PipelineConfig `toml:"pipeline"`
	SendRate SendRateConfig `toml:"send_rate"`
	AI       AIConfig       `toml:"ai"`
}

// BridgeConfig locates the messaging bridge the transport dials.
type BridgeConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// SessionConfig controls session lifecycle timers.
type SessionConfig struct {
	WatchdogTimeout Duration `toml:"watchdog_timeout"`
	ReconnectDelay  Duration `toml:"reconnect_delay"`
	LogoutTimeout   Duration `toml:"logout_timeout"`
}

// HistoryConfig controls conversation history persistence.
type HistoryConfig struct {
	Backend    string `toml:"backend"` // "sqlite" or "memory"
	DBPath     string `toml:"db_path"`
	Limit      int    `toml:"limit"`
	MaxTextLen int    `toml:"max_text_len"`
}

// PipelineConfig sizes the inbound message workers.
type PipelineConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

// SendRateConfig throttles manual sends from the control surface.
type SendRateConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// AIConfig selects and configures the reply provider.
type AIConfig struct {
	Provider        string   `toml:"provider"`
	Model           string   `toml:"model"`
	Timeout         Duration `toml:"timeout"`
	SystemPrompt    string   `toml:"system_prompt"`
	GeminiAPIKey    string   `toml:"gemini_api_key"`
	OpenAIAPIKey    string   `toml:"openai_api_key"`
	AnthropicAPIKey string   `toml:"anthropic_api_key"`
	LocalURL        string   `toml:"local_url"`
	GRPCAddr        string   `toml:"grpc_addr"`
}

// Duration wraps time.Duration so TOML files can use strings like "40s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "3000",
		LogLevel: "info",
		AuthDir:  "./auth",
		Bridge: BridgeConfig{
			URL: "ws://localhost:8081/session",
		},
		Session: SessionConfig{
			WatchdogTimeout: Duration{40 * time.Second},
			ReconnectDelay:  Duration{1500 * time.Millisecond},
			LogoutTimeout:   Duration{10 * time.Second},
		},
		History: HistoryConfig{
			Backend:    "sqlite",
			DBPath:     "./data/wabot.db",
			Limit:      8,
			MaxTextLen: 2000,
		},
		Pipeline: PipelineConfig{
			Workers:   4,
			QueueSize: 100,
		},
		SendRate: SendRateConfig{
			PerSecond: 1,
			Burst:     5,
		},
		AI: AIConfig{
			Provider: "gemini",
			Timeout:  Duration{60 * time.Second},
		},
	}
}

// Load reads configuration from an optional TOML file and the environment.
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.ControlToken = getEnv("CONTROL_TOKEN", c.ControlToken)
	c.AuthDir = getEnv("AUTH_DIR", c.AuthDir)
	c.CredentialsKeyFile = getEnv("CREDENTIALS_KEY_FILE", c.CredentialsKeyFile)

	c.Bridge.URL = getEnv("BRIDGE_URL", c.Bridge.URL)
	c.Bridge.Token = getEnv("BRIDGE_TOKEN", c.Bridge.Token)

	c.Session.WatchdogTimeout.Duration = getEnvDuration("SESSION_WATCHDOG_TIMEOUT", c.Session.WatchdogTimeout.Duration)
	c.Session.ReconnectDelay.Duration = getEnvDuration("SESSION_RECONNECT_DELAY", c.Session.ReconnectDelay.Duration)
	c.Session.LogoutTimeout.Duration = getEnvDuration("SESSION_LOGOUT_TIMEOUT", c.Session.LogoutTimeout.Duration)

	c.History.Backend = strings.ToLower(getEnv("HISTORY_BACKEND", c.History.Backend))
	c.History.DBPath = getEnv("DB_PATH", c.History.DBPath)
	c.History.Limit = getEnvInt("HISTORY_LIMIT", c.History.Limit)
	c.History.MaxTextLen = getEnvInt("HISTORY_MAX_TEXT_LEN", c.History.MaxTextLen)

	c.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", c.Pipeline.Workers)
	c.Pipeline.QueueSize = getEnvInt("PIPELINE_QUEUE_SIZE", c.Pipeline.QueueSize)

	c.SendRate.PerSecond = getEnvFloat("SEND_RATE_PER_SECOND", c.SendRate.PerSecond)
	c.SendRate.Burst = getEnvInt("SEND_RATE_BURST", c.SendRate.Burst)

	c.AI.Provider = strings.ToLower(getEnv("AI_PROVIDER", c.AI.Provider))
	c.AI.Model = getEnv("AI_MODEL", c.AI.Model)
	c.AI.Timeout.Duration = getEnvDuration("AI_TIMEOUT", c.AI.Timeout.Duration)
	c.AI.SystemPrompt = getEnv("AI_SYSTEM_PROMPT", c.AI.SystemPrompt)
	c.AI.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.AI.GeminiAPIKey)
	c.AI.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.AI.OpenAIAPIKey)
	c.AI.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AI.AnthropicAPIKey)
	c.AI.LocalURL = getEnv("LOCAL_AI_URL", c.AI.LocalURL)
	c.AI.GRPCAddr = getEnv("AI_GRPC_ADDR", c.AI.GRPCAddr)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AuthDir == "" {
		return fmt.Errorf("AUTH_DIR cannot be empty")
	}
	if c.Bridge.URL == "" {
		return fmt.Errorf("BRIDGE_URL cannot be empty")
	}
	if c.Session.WatchdogTimeout.Duration <= 0 {
		return fmt.Errorf("SESSION_WATCHDOG_TIMEOUT must be > 0")
	}
	if c.Session.ReconnectDelay.Duration <= 0 {
		return fmt.Errorf("SESSION_RECONNECT_DELAY must be > 0")
	}
	switch c.History.Backend {
	case "sqlite":
		if c.History.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("HISTORY_BACKEND must be sqlite or memory, got %q", c.History.Backend)
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("PIPELINE_WORKERS must be > 0")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("PIPELINE_QUEUE_SIZE must be > 0")
	}
	if c.SendRate.PerSecond <= 0 || c.SendRate.Burst <= 0 {
		return fmt.Errorf("SEND_RATE_PER_SECOND and SEND_RATE_BURST must be > 0")
	}
	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER cannot be empty")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AllowedOrigins returns the CORS and websocket origins for the control
// surface. FrontendURL may list several origins separated by commas.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
