// Package config loads the runtime configuration from the environment.
// Per-tenant credentials are NOT here — they live in the tenants table and
// are served by the tenant registry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the deployment-level runtime configuration.
type Config struct {
	// HTTPPort is the port the API server listens on.
	HTTPPort string

	// OpenAIKey authenticates the LLM, embedding, transcription and vision
	// calls. Required.
	OpenAIKey string

	// LLMModel is the default chat model when a tenant does not pin one.
	LLMModel string

	// EmbeddingModel is the embedding model for RAG retrieval.
	EmbeddingModel string

	// LLMTimeout bounds a single LLM call.
	LLMTimeout time.Duration

	// HistoryLimit is the number of recent messages loaded per turn.
	HistoryLimit int

	// WebhookVerifyToken answers the channel's GET subscription handshake.
	WebhookVerifyToken string

	// ChannelAPIBaseURL is the default base URL for channel sends; a tenant
	// credential may override it.
	ChannelAPIBaseURL string

	// DispatchURL receives webhook payloads whose channel ID matches no
	// tenant. Empty disables the passthrough.
	DispatchURL string

	// InternalToken guards the internal worker-trigger endpoints.
	InternalToken string

	// SlackToken sends escalation notifications. Empty disables them.
	SlackToken string

	// StorageURL and StorageToken configure the blob storage for inbound
	// media uploads.
	StorageURL   string
	StorageToken string

	// SelfURL is this deployment's base URL, used by workers to re-invoke
	// themselves when work remains after a bounded run.
	SelfURL string
}

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultLLMModel       = "gpt-4o"
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultLLMTimeout     = 25 * time.Second
	DefaultHistoryLimit   = 20
)

// LoadFromEnv builds the Config from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		HTTPPort:           getEnvOrDefault("HTTP_PORT", "8080"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		LLMModel:           getEnvOrDefault("LLM_MODEL", DefaultLLMModel),
		EmbeddingModel:     getEnvOrDefault("EMBEDDING_MODEL", DefaultEmbeddingModel),
		LLMTimeout:         DefaultLLMTimeout,
		HistoryLimit:       DefaultHistoryLimit,
		WebhookVerifyToken: os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		ChannelAPIBaseURL:  getEnvOrDefault("CHANNEL_API_BASE_URL", "https://graph.facebook.com/v19.0"),
		DispatchURL:        os.Getenv("DISPATCH_URL"),
		InternalToken:      os.Getenv("INTERNAL_TOKEN"),
		SlackToken:         os.Getenv("SLACK_TOKEN"),
		StorageURL:         os.Getenv("STORAGE_URL"),
		StorageToken:       os.Getenv("STORAGE_TOKEN"),
		SelfURL:            os.Getenv("SELF_URL"),
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.WebhookVerifyToken == "" {
		return nil, fmt.Errorf("WEBHOOK_VERIFY_TOKEN is required")
	}

	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS: %w", err)
		}
		cfg.LLMTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid HISTORY_LIMIT: %q", v)
		}
		cfg.HistoryLimit = n
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
