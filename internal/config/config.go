// Package config loads service configuration from DIALOGUE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreKind selects the Session Store backend.
type StoreKind string

const (
	StoreDynamoDB StoreKind = "dynamodb"
	StoreRedis    StoreKind = "redis"
	StoreMemory   StoreKind = "memory"
)

// Config holds all configuration for the Lambda and the Slack bot.
type Config struct {
	// Session Store
	Store         StoreKind
	StateTable    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// Secrets live under this SSM prefix
	ParamPrefix string

	// Backend routing
	DefaultLanguage    string
	AddisLanguages     []string
	AnthropicLanguages []string
	FallbackEnabled    bool

	OpenAIModel    string
	OpenAIBaseURL  string
	AddisBaseURL   string
	AnthropicModel string

	// Orchestrator tuning
	AdapterTimeout      time.Duration
	RetryBackoff        time.Duration
	MaxContextItems     int
	MaxTurns            int
	MaxTranscriptLength int

	ExecutorURL string

	// Slack front end
	SlackBotToken string
	SlackAppToken string

	LogLevel string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("DIALOGUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("STORE", string(StoreDynamoDB))
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_LANGUAGE", "en")
	v.SetDefault("ADDIS_LANGUAGES", "am,om")
	v.SetDefault("ANTHROPIC_LANGUAGES", "")
	v.SetDefault("FALLBACK_ENABLED", false)
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("ADAPTER_TIMEOUT", "15s")
	v.SetDefault("RETRY_BACKOFF", "500ms")
	v.SetDefault("MAX_CONTEXT_ITEMS", 20)
	v.SetDefault("MAX_TURNS", 0)
	v.SetDefault("MAX_TRANSCRIPT_LENGTH", 1000)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Store:               StoreKind(strings.ToLower(v.GetString("STORE"))),
		StateTable:          v.GetString("STATE_TABLE"),
		RedisAddr:           v.GetString("REDIS_ADDR"),
		RedisPassword:       v.GetString("REDIS_PASSWORD"),
		RedisDB:             v.GetInt("REDIS_DB"),
		SessionTTL:          v.GetDuration("SESSION_TTL"),
		SweepInterval:       v.GetDuration("SWEEP_INTERVAL"),
		ParamPrefix:         v.GetString("PARAM_PREFIX"),
		DefaultLanguage:     strings.ToLower(strings.TrimSpace(v.GetString("DEFAULT_LANGUAGE"))),
		AddisLanguages:      splitList(v.GetString("ADDIS_LANGUAGES")),
		AnthropicLanguages:  splitList(v.GetString("ANTHROPIC_LANGUAGES")),
		FallbackEnabled:     v.GetBool("FALLBACK_ENABLED"),
		OpenAIModel:         v.GetString("OPENAI_MODEL"),
		OpenAIBaseURL:       v.GetString("OPENAI_BASE_URL"),
		AddisBaseURL:        v.GetString("ADDIS_BASE_URL"),
		AnthropicModel:      v.GetString("ANTHROPIC_MODEL"),
		AdapterTimeout:      v.GetDuration("ADAPTER_TIMEOUT"),
		RetryBackoff:        v.GetDuration("RETRY_BACKOFF"),
		MaxContextItems:     v.GetInt("MAX_CONTEXT_ITEMS"),
		MaxTurns:            v.GetInt("MAX_TURNS"),
		MaxTranscriptLength: v.GetInt("MAX_TRANSCRIPT_LENGTH"),
		ExecutorURL:         v.GetString("EXECUTOR_URL"),
		SlackBotToken:       v.GetString("SLACK_BOT_TOKEN"),
		SlackAppToken:       v.GetString("SLACK_APP_TOKEN"),
		LogLevel:            v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all configuration needed by the core service is
// present and consistent.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store {
	case StoreDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, "DIALOGUE_STATE_TABLE is required when DIALOGUE_STORE=dynamodb")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, "DIALOGUE_REDIS_ADDR is required when DIALOGUE_STORE=redis")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("invalid store %q, must be 'dynamodb', 'redis' or 'memory'", c.Store))
	}

	if c.ParamPrefix == "" {
		errs = append(errs, "DIALOGUE_PARAM_PREFIX is required")
	}
	if c.ExecutorURL == "" {
		errs = append(errs, "DIALOGUE_EXECUTOR_URL is required")
	}
	if c.DefaultLanguage == "" {
		errs = append(errs, "DIALOGUE_DEFAULT_LANGUAGE must not be empty")
	}
	for _, lang := range c.AddisLanguages {
		if lang == c.DefaultLanguage {
			errs = append(errs, fmt.Sprintf("default language %q cannot be served by the addis backend", lang))
		}
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, "DIALOGUE_SESSION_TTL must be positive")
	}
	if c.AdapterTimeout <= 0 {
		errs = append(errs, "DIALOGUE_ADAPTER_TIMEOUT must be positive")
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, "DIALOGUE_RETRY_BACKOFF must not be negative")
	}
	if c.MaxContextItems <= 0 {
		errs = append(errs, "DIALOGUE_MAX_CONTEXT_ITEMS must be positive")
	}
	if c.MaxTurns < 0 {
		errs = append(errs, "DIALOGUE_MAX_TURNS must not be negative")
	}
	if c.MaxTranscriptLength <= 0 {
		errs = append(errs, "DIALOGUE_MAX_TRANSCRIPT_LENGTH must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateSlack checks the settings only the Slack front end needs.
func (c *Config) ValidateSlack() error {
	var errs []string
	if c.SlackBotToken == "" {
		errs = append(errs, "DIALOGUE_SLACK_BOT_TOKEN is required")
	}
	if c.SlackAppToken == "" {
		errs = append(errs, "DIALOGUE_SLACK_APP_TOKEN is required")
	} else if !strings.HasPrefix(c.SlackAppToken, "xapp-") {
		errs = append(errs, "DIALOGUE_SLACK_APP_TOKEN must be an app-level token (xapp-...)")
	}
	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

// splitList parses a comma separated list, dropping blanks and duplicates.
func splitList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
