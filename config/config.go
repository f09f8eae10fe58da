package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/scribeflow/internal/provider"
)

type Config struct {
	// Server
	Port        string // default: 8080
	CORSOrigins []string

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Auth
	JWTSecret string

	// Providers
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GoogleAPIKey    string
	CohereAPIKey    string

	OpenAIModels    []string
	AnthropicModels []string
	GoogleModels    []string
	CohereModels    []string

	// Completion defaults
	DefaultProvider    provider.ID
	DefaultModel       string
	DefaultTemperature float64
	DefaultMaxTokens   int
	ProviderTimeout    time.Duration // 0 disables the per-call deadline

	// Rate Limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogPretty bool

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
}

// Model catalogs. The first entry of each list is the provider's default model.
var (
	defaultOpenAIModels    = "gpt-4,gpt-3.5-turbo,gpt-4-turbo-preview"
	defaultAnthropicModels = "claude-3-opus,claude-3-sonnet,claude-3-haiku"
	defaultGoogleModels    = "gemini-pro,gemini-pro-vision"
	defaultCohereModels    = "command,command-nightly"
)

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		CORSOrigins:          splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:         os.Getenv("GOOGLE_AI_API_KEY"),
		CohereAPIKey:         os.Getenv("COHERE_API_KEY"),
		OpenAIModels:         splitList(getEnv("OPENAI_MODELS", defaultOpenAIModels)),
		AnthropicModels:      splitList(getEnv("ANTHROPIC_MODELS", defaultAnthropicModels)),
		GoogleModels:         splitList(getEnv("GOOGLE_MODELS", defaultGoogleModels)),
		CohereModels:         splitList(getEnv("COHERE_MODELS", defaultCohereModels)),
		DefaultModel:         getEnv("DEFAULT_MODEL", "gpt-4"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	cfg.DefaultProvider, err = provider.ParseID(getEnv("DEFAULT_AI_PROVIDER", "openai"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_AI_PROVIDER: %w", err)
	}

	if cfg.DefaultTemperature, err = strconv.ParseFloat(getEnv("DEFAULT_TEMPERATURE", "0.7"), 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TEMPERATURE: %w", err)
	}
	if cfg.DefaultMaxTokens, err = strconv.Atoi(getEnv("DEFAULT_MAX_TOKENS", "4000")); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_MAX_TOKENS: %w", err)
	}
	if cfg.ProviderTimeout, err = time.ParseDuration(getEnv("PROVIDER_TIMEOUT", "2m")); err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %w", err)
	}
	if cfg.RateLimitRequests, err = strconv.Atoi(getEnv("RATE_LIMIT_REQUESTS", "100")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS: %w", err)
	}
	if cfg.RateLimitWindow, err = time.ParseDuration(getEnv("RATE_LIMIT_WINDOW", "60s")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
	}
	if cfg.LogPretty, err = strconv.ParseBool(getEnv("LOG_PRETTY", "false")); err != nil {
		return nil, fmt.Errorf("invalid LOG_PRETTY: %w", err)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// Providers returns the per-provider key and model catalog. Providers
// without a key are still listed so their catalogs stay discoverable.
func (c *Config) Providers() map[provider.ID]provider.Config {
	return map[provider.ID]provider.Config{
		provider.OpenAI:    {APIKey: c.OpenAIAPIKey, Models: c.OpenAIModels},
		provider.Anthropic: {APIKey: c.AnthropicAPIKey, Models: c.AnthropicModels},
		provider.Google:    {APIKey: c.GoogleAPIKey, Models: c.GoogleModels},
		provider.Cohere:    {APIKey: c.CohereAPIKey, Models: c.CohereModels},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
