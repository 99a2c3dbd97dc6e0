package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Meme Wars service
type Config struct {
	// Backend service (object storage) configuration
	ServiceURL     string
	ServiceAnonKey string
	StorageBucket  string

	// Database configuration
	DatabaseDSN string

	// Realtime configuration
	RedisURL string

	// HTTP configuration
	HTTPAddr       string
	AllowedOrigins []string

	// Session configuration
	SessionTTL time.Duration

	// Comment submissions allowed per wallet per minute
	CommentRatePerMinute int

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		ServiceURL:     strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
		ServiceAnonKey: getEnv("SUPABASE_ANON_KEY", ""),
		StorageBucket:  getEnv("STORAGE_BUCKET", "memes"),
		DatabaseDSN:    getEnv("DATABASE_DSN", defaultDSN()),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MetricsPort:    getEnv("METRICS_PORT", "9100"),
	}

	if cfg.ServiceURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL environment variable is required")
	}
	if cfg.ServiceAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY environment variable is required")
	}

	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:5173")
	for _, origin := range strings.Split(originsStr, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	var err error
	cfg.SessionTTL, err = parseDurationEnv("SESSION_TTL", 30*time.Minute)
	if err != nil {
		return cfg, fmt.Errorf("invalid SESSION_TTL: %w", err)
	}

	cfg.CommentRatePerMinute, err = parseIntEnv("COMMENT_RATE_PER_MINUTE", 10)
	if err != nil {
		return cfg, fmt.Errorf("invalid COMMENT_RATE_PER_MINUTE: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if !strings.HasPrefix(c.ServiceURL, "http://") && !strings.HasPrefix(c.ServiceURL, "https://") {
		return fmt.Errorf("SUPABASE_URL must be an http(s) URL")
	}

	if c.StorageBucket == "" {
		return fmt.Errorf("STORAGE_BUCKET must not be empty")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	if c.CommentRatePerMinute < 1 {
		return fmt.Errorf("COMMENT_RATE_PER_MINUTE must be at least 1")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// defaultDSN builds a postgres DSN from the discrete DB_* variables
func defaultDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", ""),
		getEnv("DB_NAME", "memewars"),
		getEnv("DB_PORT", "5432"),
	)
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

// parseDurationEnv parses a duration environment variable with a default value
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(str)
}
