// Package relay implements the keyrelay hub: token gate, connection registry,
// broadcast fan-out and the HTTP trigger surface.
package relay

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// DisabledDatabase as RELAY_DB_PATH turns persistence off.
const DisabledDatabase = "none"

// Config holds hub configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string

	// Authentication
	Token string // shared secret for triggers and agents

	// Database
	DatabasePath string

	// Delivery
	WriteTimeout  time.Duration // per-connection send bound
	MaxDurationMS int           // upper clamp for duration_ms

	// Security
	AllowedOrigins []string // optional, for WebSocket and CORS origin validation

	LogLevel string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("RELAY_LISTEN", ":"+getEnv("PORT", "10000")),
		Token:          getEnv("RELAY_TOKEN", os.Getenv("GIFT_HUB_TOKEN")),
		DatabasePath:   getEnv("RELAY_DB_PATH", "data/keyrelay.db"),
		WriteTimeout:   parseDuration("RELAY_WRITE_TIMEOUT", 5*time.Second),
		MaxDurationMS:  parseInt("RELAY_MAX_DURATION_MS", 10000),
		AllowedOrigins: parseOrigins("RELAY_ALLOWED_ORIGINS"),
		LogLevel:       getEnv("RELAY_LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.Token == "" {
		errs = append(errs, "RELAY_TOKEN is required")
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, "RELAY_WRITE_TIMEOUT must be positive")
	}
	if c.MaxDurationMS < 0 {
		errs = append(errs, "RELAY_MAX_DURATION_MS must not be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasDatabase reports whether counter and audit persistence is enabled.
func (c *Config) HasDatabase() bool {
	return c.DatabasePath != "" && c.DatabasePath != DisabledDatabase
}

// OriginAllowed reports whether origin may connect. An empty allow list
// accepts any origin, as do requests without an Origin header (agents).
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" || len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
