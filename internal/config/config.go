package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	AnthropicAPIKey  string
	AnthropicBaseURL string
	DefaultModel     string
	MaxTokens        int

	AWSRegion       string
	SecretsName     string
	UsageQueueURL   string
	AlertTopicARN   string
	BedrockFallback bool

	EncryptionKey string
	OTLPEndpoint  string

	// DevMode relaxes the free-tier monthly quota for local testing.
	// Must never be enabled in a production deployment.
	DevMode bool

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		DefaultModel:     getEnv("DEFAULT_MODEL", "fast"),
		MaxTokens:        getIntEnv("MAX_TOKENS", 4096),
		AWSRegion:        getEnv("AWS_REGION", ""),
		SecretsName:      getEnv("SECRETS_NAME", ""),
		UsageQueueURL:    getEnv("USAGE_QUEUE_URL", ""),
		AlertTopicARN:    getEnv("ALERT_TOPIC_ARN", ""),
		BedrockFallback:  getEnv("BEDROCK_FALLBACK", "false") == "true",
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		DevMode:          getEnv("DEV_MODE", "false") == "true",
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
