// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Anthropic model access.
	AnthropicAPIKey string
	Model           string
	TitleModel      string

	// Sandbox settings.
	SandboxImage   string
	SandboxRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	PreviewPort    int
	SandboxTTL     time.Duration

	// Workflow settings.
	MaxIterations int
	WorkerCount   int
	QueueSize     int

	RateLimit RateLimitConfig
}

// RateLimitConfig controls per-user generation throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/vibeforge.db"),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		Model:           getEnv("MODEL", "claude-sonnet-4-20250514"),
		TitleModel:      getEnv("TITLE_MODEL", "claude-3-5-haiku-20241022"),
		SandboxImage:    getEnv("SANDBOX_IMAGE", "vibeforge-nextjs:latest"),
		SandboxRuntime:  getEnv("SANDBOX_RUNTIME", ""),
		PreviewPort:     getEnvInt("PREVIEW_PORT", 3000),
		SandboxTTL:      getEnvDuration("SANDBOX_TTL", 30*time.Minute),
		MaxIterations:   getEnvInt("MAX_AGENT_ITERATIONS", 10),
		WorkerCount:     getEnvInt("WORKFLOW_WORKERS", 4),
		QueueSize:       getEnvInt("WORKFLOW_QUEUE_SIZE", 64),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 5),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY cannot be empty")
	}
	if c.SandboxImage == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.PreviewPort <= 0 || c.PreviewPort > 65535 {
		return fmt.Errorf("PREVIEW_PORT must be a valid port number")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("MAX_AGENT_ITERATIONS must be > 0")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKFLOW_WORKERS must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("WORKFLOW_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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
