// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Store settings. An empty DatabaseURL selects the in-memory store
	// (standalone mode, nothing survives a restart).
	DatabaseURL string

	// Decision model settings (OpenAI-compatible chat completions API).
	LLMBaseURL              string
	LLMAPIKey               string
	LLMModel                string
	LLMPromptPerMTokUsd     float64 // USD per million prompt tokens.
	LLMCompletionPerMTokUsd float64 // USD per million completion tokens.

	// Embedding provider settings.
	EmbeddingProvider   string // "ollama" or "noop"
	EmbeddingDimensions int    // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// Org-wide daily budget ceilings. Zero disables a ceiling.
	OrgDailyTokens  int64
	OrgDailyCostUsd float64

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel      string
	ShutdownGrace time.Duration // how long Close waits for running executions.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                    envInt("HATARAKU_PORT", 8080),
		ReadTimeout:             envDuration("HATARAKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:            envDuration("HATARAKU_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:     int64(envInt("HATARAKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		DatabaseURL:             envStr("DATABASE_URL", ""),
		LLMBaseURL:              envStr("HATARAKU_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:               envStr("HATARAKU_LLM_API_KEY", envStr("OPENAI_API_KEY", "")),
		LLMModel:                envStr("HATARAKU_LLM_MODEL", "gpt-4o-mini"),
		LLMPromptPerMTokUsd:     envFloat("HATARAKU_LLM_PROMPT_PER_MTOK_USD", 0.15),
		LLMCompletionPerMTokUsd: envFloat("HATARAKU_LLM_COMPLETION_PER_MTOK_USD", 0.60),
		EmbeddingProvider:       envStr("HATARAKU_EMBEDDING_PROVIDER", "noop"),
		EmbeddingDimensions:     envInt("HATARAKU_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:               envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:             envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		OrgDailyTokens:          int64(envInt("HATARAKU_ORG_DAILY_TOKENS", 0)),
		OrgDailyCostUsd:         envFloat("HATARAKU_ORG_DAILY_COST_USD", 0),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:            envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "hataraku"),
		LogLevel:                envStr("HATARAKU_LOG_LEVEL", "info"),
		ShutdownGrace:           envDuration("HATARAKU_SHUTDOWN_GRACE", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: HATARAKU_PORT must be within [1, 65535]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: HATARAKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: HATARAKU_EMBEDDING_DIMENSIONS must be positive")
	}
	switch c.EmbeddingProvider {
	case "ollama", "noop":
	default:
		return fmt.Errorf("config: HATARAKU_EMBEDDING_PROVIDER must be 'ollama' or 'noop' (got %q)", c.EmbeddingProvider)
	}
	if c.LLMPromptPerMTokUsd < 0 || c.LLMCompletionPerMTokUsd < 0 {
		return fmt.Errorf("config: LLM pricing must not be negative")
	}
	if c.OrgDailyTokens < 0 || c.OrgDailyCostUsd < 0 {
		return fmt.Errorf("config: org daily budget ceilings must not be negative")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
