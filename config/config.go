// Package config provides configuration loading and management for
// agentline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agentline configuration
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	HITL    HITLConfig    `yaml:"hitl"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig configures the per-conversation reduction pipeline
type EngineConfig struct {
	// BufferAge is how long the sequencer holds out-of-order events before
	// skipping the gap (default: 5s)
	BufferAge time.Duration `yaml:"buffer_age"`
}

// HITLConfig configures human-in-the-loop request handling
type HITLConfig struct {
	// Timeout is the default deadline for requests without their own
	// timeout (default: 60s)
	Timeout time.Duration `yaml:"timeout"`
	// AutoApprove lists doublestar patterns; decision requests whose tool
	// matches a pattern resolve immediately (empty = never auto-approve)
	AutoApprove []string `yaml:"auto_approve"`
}

// NATSConfig configures the NATS JetStream event feed
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Stream is the JetStream stream holding agent events
	Stream string `yaml:"stream"`
	// Subject is the subject filter; the conversation id is the last token
	Subject string `yaml:"subject"`
	// Durable is the durable consumer name (empty = ephemeral)
	Durable string `yaml:"durable"`
}

// MetricsConfig configures Prometheus metrics exposure
type MetricsConfig struct {
	// Enabled turns metric collection on
	Enabled bool `yaml:"enabled"`
	// Listen is the address the metrics endpoint binds to
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			BufferAge: 5 * time.Second,
		},
		HITL: HITLConfig{
			Timeout:     60 * time.Second,
			AutoApprove: nil, // Never auto-approve
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Stream:  "AGENT_EVENTS",
			Subject: "agent.events.>",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9477",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.BufferAge < 0 {
		return fmt.Errorf("engine.buffer_age must not be negative")
	}
	if c.HITL.Timeout < 0 {
		return fmt.Errorf("hitl.timeout must not be negative")
	}
	for _, pattern := range c.HITL.AutoApprove {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("hitl.auto_approve: invalid pattern %q", pattern)
		}
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.Stream == "" {
		return fmt.Errorf("nats.stream is required")
	}
	if c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Engine
	if other.Engine.BufferAge != 0 {
		c.Engine.BufferAge = other.Engine.BufferAge
	}

	// HITL
	if other.HITL.Timeout != 0 {
		c.HITL.Timeout = other.HITL.Timeout
	}
	if len(other.HITL.AutoApprove) > 0 {
		c.HITL.AutoApprove = other.HITL.AutoApprove
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Stream != "" {
		c.NATS.Stream = other.NATS.Stream
	}
	if other.NATS.Subject != "" {
		c.NATS.Subject = other.NATS.Subject
	}
	if other.NATS.Durable != "" {
		c.NATS.Durable = other.NATS.Durable
	}

	// Metrics
	if other.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
}
