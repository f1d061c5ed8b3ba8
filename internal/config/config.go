// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Bridge    BridgeConfig
	Terminal  TerminalConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8400"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// StoreConfig holds session persistence configuration.
type StoreConfig struct {
	// Root is the data directory. Session records live under
	// <Root>/sessions, per-session workspaces under <Root>/workspaces.
	Root string `envconfig:"DATA_DIR" default:""`
}

// BridgeConfig holds external worker process configuration.
type BridgeConfig struct {
	// Command is the agent binary invoked once per submitted command.
	Command string `envconfig:"AGENT_COMMAND" default:"claude"`
	// Args are passed on every invocation. The defaults run the agent in
	// non-interactive continuation mode reading the prompt from stdin.
	Args []string `envconfig:"AGENT_ARGS" default:"--continue,--print"`
	// EventBuffer is the capacity of the bridge event channel.
	EventBuffer int `envconfig:"BRIDGE_EVENT_BUFFER" default:"256"`
}

// TerminalConfig holds workspace shell configuration.
type TerminalConfig struct {
	Enabled bool   `envconfig:"TERMINAL_ENABLED" default:"true"`
	Shell   string `envconfig:"TERMINAL_SHELL" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds command submission rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"5"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"10"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("BRIDGE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Store.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Store.Root = filepath.Join(home, ".agentdeck")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Bridge.Command == "" {
		return fmt.Errorf("agent command must not be empty")
	}
	if c.Bridge.EventBuffer <= 0 {
		return fmt.Errorf("bridge event buffer must be positive, got %d", c.Bridge.EventBuffer)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit rps must be positive, got %v", c.RateLimit.RequestsPerSecond)
	}
	return nil
}

// SessionsDir returns the directory holding durable session records.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Store.Root, "sessions")
}

// WorkspacesDir returns the directory holding per-session workspaces.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.Store.Root, "workspaces")
}
