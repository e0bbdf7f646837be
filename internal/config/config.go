// Package config provides configuration loading for the daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for queue records, metrics logs and the audit
	// database (default "/var/lib/nova")
	DataDir string `json:"data_dir"`

	// Queue settings
	Queue QueueConfig `json:"queue,omitempty"`

	// Policy rules file (YAML, optional)
	PolicyFile string `json:"policy_file,omitempty"`

	// Audit retention
	Audit AuditConfig `json:"audit,omitempty"`

	// OTLP trace endpoint (optional, disables tracing when empty)
	TraceEndpoint string `json:"trace_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// QueueConfig bounds queue processing.
type QueueConfig struct {
	MaxConcurrentActions int64  `json:"max_concurrent_actions"`
	ExecTimeoutSeconds   int    `json:"exec_timeout_seconds"`
	Retry                bool   `json:"retry"`
	MaxRetries           uint64 `json:"max_retries"`
	// OutboxRetention controls how long terminal records are kept
	// before cleanup, as a Go duration string (default "168h").
	OutboxRetention string `json:"outbox_retention,omitempty"`
	// CleanupSchedule is a duration or cron expression (default "1h").
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`
}

// AuditConfig controls audit persistence.
type AuditConfig struct {
	MemoryLimit int `json:"memory_limit"`
	// Retention as a Go duration string; empty disables purging.
	Retention string `json:"retention,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/nova",
		LogLevel:   "info",
		Queue: QueueConfig{
			MaxConcurrentActions: 4,
			ExecTimeoutSeconds:   60,
			Retry:                true,
			MaxRetries:           3,
			OutboxRetention:      "168h",
			CleanupSchedule:      "1h",
		},
		Audit: AuditConfig{
			MemoryLimit: 1000,
			Retention:   "720h",
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	// Load from file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("NOVA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NOVA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("NOVA_POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
	if v := os.Getenv("NOVA_TRACE_ENDPOINT"); v != "" {
		cfg.TraceEndpoint = v
	}
	if v := os.Getenv("NOVA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NOVA_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Queue.MaxConcurrentActions = n
		}
	}
	if v := os.Getenv("NOVA_EXEC_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.ExecTimeoutSeconds = n
		}
	}
	if v := os.Getenv("NOVA_RETRY"); v != "" {
		cfg.Queue.Retry = v == "true" || v == "1"
	}
	if v := os.Getenv("NOVA_OUTBOX_RETENTION"); v != "" {
		cfg.Queue.OutboxRetention = v
	}
	if v := os.Getenv("NOVA_AUDIT_RETENTION"); v != "" {
		cfg.Audit.Retention = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// ExecTimeout returns the per-action execution timeout.
func (c Config) ExecTimeout() time.Duration {
	if c.Queue.ExecTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Queue.ExecTimeoutSeconds) * time.Second
}

// OutboxRetention parses the outbox retention, falling back to a week.
func (c Config) OutboxRetention() time.Duration {
	if d, err := time.ParseDuration(c.Queue.OutboxRetention); err == nil && d > 0 {
		return d
	}
	return 168 * time.Hour
}

// AuditRetention parses the audit retention. Zero disables purging.
func (c Config) AuditRetention() time.Duration {
	if c.Audit.Retention == "" {
		return 0
	}
	if d, err := time.ParseDuration(c.Audit.Retention); err == nil && d > 0 {
		return d
	}
	return 0
}
