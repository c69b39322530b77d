package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.BufferAge != 5*time.Second {
		t.Errorf("expected default buffer age 5s, got %v", cfg.Engine.BufferAge)
	}
	if cfg.HITL.Timeout != 60*time.Second {
		t.Errorf("expected default HITL timeout 60s, got %v", cfg.HITL.Timeout)
	}
	if len(cfg.HITL.AutoApprove) != 0 {
		t.Errorf("expected no auto-approve patterns by default, got %v", cfg.HITL.AutoApprove)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Metrics.Enabled {
		t.Error("expected metrics disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "negative buffer age",
			modify:  func(c *Config) { c.Engine.BufferAge = -time.Second },
			wantErr: true,
		},
		{
			name:    "negative HITL timeout",
			modify:  func(c *Config) { c.HITL.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "valid auto-approve patterns",
			modify:  func(c *Config) { c.HITL.AutoApprove = []string{"fs/read_*", "git/**"} },
			wantErr: false,
		},
		{
			name:    "invalid auto-approve pattern",
			modify:  func(c *Config) { c.HITL.AutoApprove = []string{"fs/[read"} },
			wantErr: true,
		},
		{
			name:    "missing NATS URL",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing NATS stream",
			modify:  func(c *Config) { c.NATS.Stream = "" },
			wantErr: true,
		},
		{
			name: "metrics enabled without listen address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
engine:
  buffer_age: 10s
hitl:
  timeout: 2m
  auto_approve:
    - fs/read_*
    - git/**
nats:
  url: "nats://test:4222"
  stream: "EVENTS"
  subject: "agent.events.>"
  durable: "agentline"
metrics:
  enabled: true
  listen: ":9900"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Engine.BufferAge != 10*time.Second {
		t.Errorf("expected buffer age 10s, got %v", cfg.Engine.BufferAge)
	}
	if cfg.HITL.Timeout != 2*time.Minute {
		t.Errorf("expected HITL timeout 2m, got %v", cfg.HITL.Timeout)
	}
	if len(cfg.HITL.AutoApprove) != 2 {
		t.Errorf("expected 2 auto-approve patterns, got %d", len(cfg.HITL.AutoApprove))
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.Durable != "agentline" {
		t.Errorf("expected durable agentline, got %s", cfg.NATS.Durable)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}
	if cfg.Metrics.Listen != ":9900" {
		t.Errorf("expected metrics listen :9900, got %s", cfg.Metrics.Listen)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	// The layered loader distinguishes a missing file from a broken one;
	// the wrapped error must still match os.ErrNotExist.
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected error to match os.ErrNotExist, got %v", err)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Engine: EngineConfig{
			BufferAge: 30 * time.Second,
		},
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
	}

	base.Merge(override)

	if base.Engine.BufferAge != 30*time.Second {
		t.Errorf("expected buffer age 30s, got %v", base.Engine.BufferAge)
	}
	// Timeout should remain from base since override didn't set it
	if base.HITL.Timeout != 60*time.Second {
		t.Errorf("expected HITL timeout to remain default, got %v", base.HITL.Timeout)
	}
	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL nats://override:4222, got %s", base.NATS.URL)
	}
	// Stream should remain from base
	if base.NATS.Stream != "AGENT_EVENTS" {
		t.Errorf("expected stream to remain default, got %s", base.NATS.Stream)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.NATS.Stream = "SAVED_EVENTS"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.NATS.Stream != "SAVED_EVENTS" {
		t.Errorf("expected stream SAVED_EVENTS, got %s", loaded.NATS.Stream)
	}
}
