// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package config defines the Guildpulse configuration structures and the
// layered koanf loader (defaults, optional YAML file, environment variables).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Guildpulse service.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Buffer    BufferConfig    `koanf:"buffer"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// DatabaseConfig controls the embedded DuckDB database and its pool.
type DatabaseConfig struct {
	// Path is the DuckDB file path. ":memory:" selects an in-memory database.
	Path string `koanf:"path" validate:"required"`

	// MaxMemory caps DuckDB's memory usage, e.g. "1GB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB worker thread count. 0 uses runtime.NumCPU().
	Threads int `koanf:"threads" validate:"gte=0"`

	// PoolSize is the number of dedicated connection handles.
	PoolSize int `koanf:"pool_size" validate:"gte=1,lte=64"`

	// AcquireTimeout bounds how long a caller waits for a free handle.
	AcquireTimeout time.Duration `koanf:"acquire_timeout" validate:"gt=0"`
}

// BufferConfig controls the in-memory activity buffer and its flush policy.
type BufferConfig struct {
	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`

	// MaxKeys triggers an immediate flush when the number of distinct
	// aggregation keys reaches this ceiling.
	MaxKeys int `koanf:"max_keys" validate:"gte=1"`

	// BacklogCeiling marks the service degraded on /healthz once the
	// live key count exceeds it (storage outage signal).
	BacklogCeiling int `koanf:"backlog_ceiling" validate:"gte=1"`
}

// IngestConfig controls the in-process event router between the gateway
// intake and the buffer.
type IngestConfig struct {
	// QueueSize is the gochannel buffer between producers and handlers.
	QueueSize int `koanf:"queue_size" validate:"gte=1"`

	// RetryCount is the router middleware retry count for handler errors.
	RetryCount int `koanf:"retry_count" validate:"gte=0"`

	// RetryInterval is the initial router retry delay.
	RetryInterval time.Duration `koanf:"retry_interval" validate:"gte=0"`

	// CloseTimeout bounds router shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout" validate:"gt=0"`
}

// SchedulerConfig controls the report scheduler.
type SchedulerConfig struct {
	Enabled bool `koanf:"enabled"`

	// TickInterval is how often due schedules are evaluated.
	TickInterval time.Duration `koanf:"tick_interval" validate:"gt=0"`

	// ExecutionTimeout bounds a single guild's build-and-deliver run.
	ExecutionTimeout time.Duration `koanf:"execution_timeout" validate:"gt=0"`
}

// DeliveryConfig controls webhook dispatch retry and rate limiting.
type DeliveryConfig struct {
	// MaxAttempts is the delivery attempt ceiling per report.
	MaxAttempts int `koanf:"max_attempts" validate:"gte=1,lte=10"`

	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration `koanf:"base_backoff" validate:"gt=0"`

	// MaxBackoff caps the doubled delay.
	MaxBackoff time.Duration `koanf:"max_backoff" validate:"gt=0"`

	// MinInterval is the global gap enforced between sends across all
	// guilds, matching the webhook provider's rate expectations.
	MinInterval time.Duration `koanf:"min_interval" validate:"gte=0"`

	// Timeout bounds a single webhook HTTP request.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// ServerConfig controls the observability HTTP listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:           "/data/guildpulse.duckdb",
			MaxMemory:      "1GB",
			Threads:        0, // 0 = use runtime.NumCPU()
			PoolSize:       5,
			AcquireTimeout: 5 * time.Second,
		},
		Buffer: BufferConfig{
			FlushInterval:  30 * time.Second,
			MaxKeys:        10000,
			BacklogCeiling: 50000,
		},
		Ingest: IngestConfig{
			QueueSize:     1024,
			RetryCount:    3,
			RetryInterval: 100 * time.Millisecond,
			CloseTimeout:  30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			TickInterval:     time.Hour,
			ExecutionTimeout: 5 * time.Minute,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 3,
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  30 * time.Second,
			MinInterval: 60 * time.Second,
			Timeout:     30 * time.Second,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8757,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

var validate = validator.New()

// Validate checks the configuration against the struct validation tags and
// the cross-field constraints the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Delivery.MaxBackoff < c.Delivery.BaseBackoff {
		return fmt.Errorf("delivery.max_backoff (%s) must be >= delivery.base_backoff (%s)",
			c.Delivery.MaxBackoff, c.Delivery.BaseBackoff)
	}
	if c.Buffer.BacklogCeiling < c.Buffer.MaxKeys {
		return fmt.Errorf("buffer.backlog_ceiling (%d) must be >= buffer.max_keys (%d)",
			c.Buffer.BacklogCeiling, c.Buffer.MaxKeys)
	}
	return nil
}
