// Package config loads the timing and retry constants from a single YAML
// file, so a deployment can tune them without a rebuild. The demo command
// copies the key-exchange and rotation values into exchange.Config; the
// media pipeline uses its own compiled-in constants.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of tunables for one e2ee-core process.
type Config struct {
	KeyExchange KeyExchangeConfig `yaml:"key_exchange"`
	Nonce       NonceConfig       `yaml:"nonce"`
	Rotation    RotationConfig    `yaml:"rotation"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Session     SessionConfig     `yaml:"session"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// KeyExchangeConfig holds the initiator's offer timeout and retry policy.
type KeyExchangeConfig struct {
	Timeout           time.Duration `yaml:"timeout"`            // KEY_EXCHANGE_TIMEOUT
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"` // MAX_RETRY_ATTEMPTS
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
}

// NonceConfig holds the inbound nonce table's bounds.
type NonceConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // NONCE_MAX_AGE
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // NONCE_CLEANUP_INTERVAL
}

// RotationConfig holds the periodic-rotation cadence.
type RotationConfig struct {
	Period time.Duration `yaml:"period"` // rotation period
}

// PipelineConfig holds the frame pipeline adapter's bounds.
type PipelineConfig struct {
	OperationTimeout    time.Duration `yaml:"operation_timeout"`     // OPERATION_TIMEOUT
	StatsUpdateInterval time.Duration `yaml:"stats_update_interval"` // STATS_UPDATE_INTERVAL
	MaxPendingOps       int           `yaml:"max_pending_operations"`
}

// SessionConfig holds the session controller's activation timing.
type SessionConfig struct {
	SyncDelay     time.Duration `yaml:"sync_delay"`      // SYNC_DELAY_MS
	E2EEInitDelay time.Duration `yaml:"e2ee_init_delay"` // E2EE init delay after first connect
}

// LoggingConfig mirrors pkg/logging's rotation knobs.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads a YAML config file, fills in defaults for anything left zero,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in every zero-valued field with the constant named in
// the environment/configuration table. Calling ApplyDefaults on a zero-value
// Config{} reproduces every one of those constants exactly.
func (c *Config) ApplyDefaults() {
	if c.KeyExchange.Timeout == 0 {
		c.KeyExchange.Timeout = 15 * time.Second
	}
	if c.KeyExchange.MaxRetryAttempts == 0 {
		c.KeyExchange.MaxRetryAttempts = 5
	}
	if c.KeyExchange.BackoffMultiplier == 0 {
		c.KeyExchange.BackoffMultiplier = 1.5
	}
	if c.KeyExchange.BackoffCap == 0 {
		c.KeyExchange.BackoffCap = 180 * time.Second
	}

	if c.Nonce.MaxAge == 0 {
		c.Nonce.MaxAge = 5 * time.Minute
	}
	if c.Nonce.CleanupInterval == 0 {
		c.Nonce.CleanupInterval = 60 * time.Second
	}

	if c.Rotation.Period == 0 {
		c.Rotation.Period = 60 * time.Second
	}

	if c.Pipeline.OperationTimeout == 0 {
		c.Pipeline.OperationTimeout = 5 * time.Second
	}
	if c.Pipeline.StatsUpdateInterval == 0 {
		c.Pipeline.StatsUpdateInterval = 5 * time.Second
	}
	if c.Pipeline.MaxPendingOps == 0 {
		c.Pipeline.MaxPendingOps = 100
	}

	if c.Session.SyncDelay == 0 {
		c.Session.SyncDelay = 200 * time.Millisecond
	}
	if c.Session.E2EEInitDelay == 0 {
		c.Session.E2EEInitDelay = 1500 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
}

func (c *Config) validate() error {
	if c.KeyExchange.Timeout <= 0 {
		return fmt.Errorf("key_exchange.timeout must be positive")
	}
	if c.KeyExchange.MaxRetryAttempts < 0 {
		return fmt.Errorf("key_exchange.max_retry_attempts must not be negative")
	}
	if c.KeyExchange.BackoffMultiplier <= 1 {
		return fmt.Errorf("key_exchange.backoff_multiplier must be greater than 1")
	}
	if c.Nonce.MaxAge <= 0 {
		return fmt.Errorf("nonce.max_age must be positive")
	}
	if c.Nonce.CleanupInterval <= 0 {
		return fmt.Errorf("nonce.cleanup_interval must be positive")
	}
	if c.Rotation.Period <= 0 {
		return fmt.Errorf("rotation.period must be positive")
	}
	if c.Pipeline.OperationTimeout <= 0 {
		return fmt.Errorf("pipeline.operation_timeout must be positive")
	}
	if c.Pipeline.MaxPendingOps <= 0 {
		return fmt.Errorf("pipeline.max_pending_operations must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	return nil
}

// Default returns a Config with every field set to the defaults named in
// the environment/configuration table.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Write marshals cfg to a YAML file at path.
func Write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: writing file: %w", err)
	}
	return nil
}
