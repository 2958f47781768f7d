package config

import (
	"fmt"
	"os"
	"strings"
)

// Config aggregates every configuration section of the service.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	LLM      LLMConfig
	Intent   IntentConfig
	WhatsApp WhatsAppConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Store:    loadStoreConfig(),
		LLM:      loadLLMConfig(),
		Intent:   loadIntentConfig(),
		WhatsApp: loadWhatsAppConfig(),
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}
	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	return ServerConfig{Addr: ":" + port}, nil
}

// StoreConfig selects the session store backend. An empty DatabaseURL keeps
// sessions in memory.
type StoreConfig struct {
	DatabaseURL string
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
}

// LLMConfig holds credentials for the extraction and document-generation
// upstreams.
type LLMConfig struct {
	APIKey        string
	BaseURL       string
	VisionModel   string
	DocumentModel string
}

// Enabled reports whether upstream credentials were provided.
func (c LLMConfig) Enabled() bool { return c.APIKey != "" }

func loadLLMConfig() LLMConfig {
	return LLMConfig{
		APIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:       strings.TrimSpace(os.Getenv("OPENAI_API_BASE_URL")),
		VisionModel:   getEnvOrDefault("OPENAI_MODEL_VISION", "gpt-4o-mini"),
		DocumentModel: getEnvOrDefault("OPENAI_MODEL_DOCUMENT", "gpt-4o-mini"),
	}
}

// IntentConfig overrides the phrase lists the classifier matches against.
// Empty lists keep the built-in defaults.
type IntentConfig struct {
	Affirmative []string
	Negative    []string
	Termination []string
}

func loadIntentConfig() IntentConfig {
	return IntentConfig{
		Affirmative: splitListEnv("INTENT_CONSENT_PHRASES"),
		Negative:    splitListEnv("INTENT_DENIAL_PHRASES"),
		Termination: splitListEnv("INTENT_TERMINATION_PHRASES"),
	}
}

// WhatsAppConfig holds the webhook verification token for Meta's handshake.
type WhatsAppConfig struct {
	VerifyToken string
}

func loadWhatsAppConfig() WhatsAppConfig {
	return WhatsAppConfig{VerifyToken: strings.TrimSpace(os.Getenv("WHATSAPP_VERIFY_TOKEN"))}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// splitListEnv parses a comma-separated environment variable into a list,
// dropping empty items.
func splitListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
