// Package config provides configuration loading for pact.
//
// Configuration is loaded from a YAML file and environment variables with
// sensible defaults. Every tunable the executor, lock coordinator, and
// verification cache depend on lives here; none of them are hard-coded.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete pact configuration.
type Config struct {
	// DataDir is the run-data directory holding lock state, cache state,
	// and evidence records. Relative paths resolve against the working
	// directory of the invocation.
	DataDir string `koanf:"data_dir"`

	Logging  LoggingConfig  `koanf:"logging"`
	Executor ExecutorConfig `koanf:"executor"`
	Locks    LockConfig     `koanf:"locks"`
	Cache    CacheConfig    `koanf:"cache"`
	Security SecurityConfig `koanf:"security"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ExecutorConfig holds task executor configuration.
type ExecutorConfig struct {
	// Workers bounds concurrent step execution within one parallel group.
	Workers int `koanf:"workers"`

	// StepTimeout is the hard per-step execution budget.
	StepTimeout Duration `koanf:"step_timeout"`
}

// LockConfig holds lock coordinator configuration.
type LockConfig struct {
	// StaleAfter is how long a lock may go without a heartbeat before it
	// becomes eligible for forced reclamation.
	StaleAfter Duration `koanf:"stale_after"`

	// HeartbeatInterval is how often a held lock's heartbeat is refreshed.
	HeartbeatInterval Duration `koanf:"heartbeat_interval"`

	// AcquireTimeout bounds how long a batch acquisition blocks waiting
	// for contended resources.
	AcquireTimeout Duration `koanf:"acquire_timeout"`
}

// CacheConfig holds verification cache configuration.
type CacheConfig struct {
	TTL        Duration `koanf:"ttl"`
	MaxEntries int      `koanf:"max_entries"`
}

// SecurityConfig holds security gate configuration. All three lists extend
// the built-in defaults; they cannot remove built-in deny patterns.
type SecurityConfig struct {
	AllowCommands []string `koanf:"allow_commands"`
	DenyPatterns  []string `koanf:"deny_patterns"`
	EnvAllow      []string `koanf:"env_allow"`
}

// DefaultConfig returns a configuration with production defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = ".pact"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Executor.Workers == 0 {
		cfg.Executor.Workers = 4
	}
	if cfg.Executor.StepTimeout == 0 {
		cfg.Executor.StepTimeout = Duration(2 * time.Minute)
	}
	if cfg.Locks.StaleAfter == 0 {
		cfg.Locks.StaleAfter = Duration(10 * time.Minute)
	}
	if cfg.Locks.HeartbeatInterval == 0 {
		cfg.Locks.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Locks.AcquireTimeout == 0 {
		cfg.Locks.AcquireTimeout = Duration(10 * time.Second)
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(24 * time.Hour)
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir cannot be empty"))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.Executor.Workers < 1 {
		errs = append(errs, fmt.Errorf("executor workers must be >= 1, got %d", c.Executor.Workers))
	}
	if c.Executor.StepTimeout.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("executor step_timeout must be > 0"))
	}
	if c.Locks.StaleAfter.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("locks stale_after must be > 0"))
	}
	if c.Locks.HeartbeatInterval.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("locks heartbeat_interval must be > 0"))
	}
	if c.Locks.HeartbeatInterval.Duration() >= c.Locks.StaleAfter.Duration() {
		errs = append(errs, fmt.Errorf("locks heartbeat_interval (%s) must be shorter than stale_after (%s)",
			c.Locks.HeartbeatInterval.Duration(), c.Locks.StaleAfter.Duration()))
	}
	if c.Cache.TTL.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be > 0"))
	}
	if c.Cache.MaxEntries < 1 {
		errs = append(errs, fmt.Errorf("cache max_entries must be >= 1, got %d", c.Cache.MaxEntries))
	}

	return errors.Join(errs...)
}

// LockStatePath returns the path of the durable lock-state file.
func (c *Config) LockStatePath() string {
	return filepath.Join(c.DataDir, "locks.yaml")
}

// CacheStatePath returns the path of the durable cache-state file.
func (c *Config) CacheStatePath() string {
	return filepath.Join(c.DataDir, "cache.yaml")
}

// EvidenceDir returns the directory execution records are written to.
func (c *Config) EvidenceDir() string {
	return filepath.Join(c.DataDir, "evidence")
}
