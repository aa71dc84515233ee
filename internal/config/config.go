// Package config handles agent configuration from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backoff policies
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	HubURL           string        `yaml:"hub_url"`  // WebSocket URL (ws:// or wss://)
	Token            string        `yaml:"token"`    // Shared hub token
	Greeting         string        `yaml:"greeting"` // Sent once after connecting, empty disables
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Reconnect
	BackoffPolicy string        `yaml:"backoff_policy"` // constant or exponential
	Backoff       time.Duration `yaml:"backoff"`        // constant delay, or initial delay for exponential
	MaxBackoff    time.Duration `yaml:"max_backoff"`    // cap for exponential

	// Key action
	PressCommand   []string `yaml:"press_command"`   // argv, {key} is replaced
	ReleaseCommand []string `yaml:"release_command"` // argv, {key} is replaced

	LogLevel  string `yaml:"log_level"`
	AgentName string `yaml:"agent_name"` // Reported to the hub for logging only
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Greeting:         "hello",
		HandshakeTimeout: 10 * time.Second,
		BackoffPolicy:    BackoffConstant,
		Backoff:          3 * time.Second,
		MaxBackoff:       60 * time.Second,
		LogLevel:         "info",
		AgentName:        hostname,
	}
}

// Load reads an optional YAML file on top of the defaults, then applies
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RELAY_URL"); v != "" {
		c.HubURL = v
	}
	if v := os.Getenv("RELAY_TOKEN"); v != "" {
		c.Token = v
	}
	if v, ok := os.LookupEnv("RELAY_GREETING"); ok {
		c.Greeting = v
	}
	if v := os.Getenv("RELAY_BACKOFF_POLICY"); v != "" {
		c.BackoffPolicy = v
	}
	if v := os.Getenv("RELAY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("RELAY_BACKOFF must be a duration (e.g. 3s)")
		}
		c.Backoff = d
	}
	if v := os.Getenv("RELAY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("RELAY_MAX_BACKOFF must be a duration (e.g. 60s)")
		}
		c.MaxBackoff = d
	}
	if v := os.Getenv("RELAY_PRESS_CMD"); v != "" {
		c.PressCommand = splitCommand(v)
	}
	if v := os.Getenv("RELAY_RELEASE_CMD"); v != "" {
		c.ReleaseCommand = splitCommand(v)
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RELAY_AGENT_NAME"); v != "" {
		c.AgentName = v
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return errors.New("RELAY_URL is required")
	}
	u, err := url.Parse(c.HubURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("hub URL must be ws:// or wss://, got %q", c.HubURL)
	}
	if c.Token == "" {
		return errors.New("RELAY_TOKEN is required")
	}
	switch c.BackoffPolicy {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff policy %q", c.BackoffPolicy)
	}
	if c.Backoff <= 0 {
		return errors.New("backoff must be positive")
	}
	if c.BackoffPolicy == BackoffExponential && c.MaxBackoff < c.Backoff {
		return errors.New("max backoff must not be below backoff")
	}
	if len(c.ReleaseCommand) > 0 && len(c.PressCommand) == 0 {
		return errors.New("release command set without press command")
	}
	return nil
}

// splitCommand turns "xdotool keydown {key}" into argv. Quoting is not supported.
func splitCommand(s string) []string {
	return strings.Fields(s)
}
