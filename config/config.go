// Package config provides configuration loading and management for Semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Semflow configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Timers   TimerConfig    `yaml:"timers"`
	Handlers HandlersConfig `yaml:"handlers"`
	NATS     NATSConfig     `yaml:"nats"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	// Listen is the HTTP listen address
	Listen string `yaml:"listen"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig configures graph persistence
type StoreConfig struct {
	// Dir is the snapshot directory (empty = in-memory only)
	Dir string `yaml:"dir"`
	// SnapshotInterval is how often graphs are written to disk
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// EngineConfig configures execution behavior
type EngineConfig struct {
	// ScriptTasksEnabled allows script task bodies to run (default: false)
	ScriptTasksEnabled bool `yaml:"script_tasks_enabled"`
	// MaxConcurrentWorkers bounds instances executing at once
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`
	// VariableMaxBytes caps a single variable value
	VariableMaxBytes int `yaml:"variable_max_bytes"`
	// InstanceLockFairness selects how contended instance locks hand off:
	// "fifo" or "unfair". The lock escalates to FIFO handoff under
	// sustained contention either way.
	InstanceLockFairness string `yaml:"instance_lock_fairness"`
}

// TimerConfig configures the timer scheduler
type TimerConfig struct {
	// PollInterval is the due-timer poll cadence
	PollInterval time.Duration `yaml:"poll_interval"`
	// LeaseTTL is how long a claimed job stays invisible to other workers
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// MaxAttempts is the fire-attempt cap before a job is abandoned
	MaxAttempts int `yaml:"max_attempts"`
}

// HandlersConfig configures topic handler loading
type HandlersConfig struct {
	// Dir holds HTTP handler descriptor YAML files (empty = none loaded)
	Dir string `yaml:"dir"`
	// Watch reloads descriptors on file changes
	Watch bool `yaml:"watch"`
	// DefaultTimeout bounds a single handler invocation
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxRetries caps retryable handler failures per invocation
	MaxRetries int `yaml:"max_retries"`
}

// NATSConfig configures the knowledge-graph mirror
type NATSConfig struct {
	// URL is the NATS server URL (empty = mirroring disabled)
	URL string `yaml:"url"`
	// Stream is the JetStream stream mirrored entities land on
	Stream string `yaml:"stream"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8084",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Dir:              "data",
			SnapshotInterval: 30 * time.Second,
		},
		Engine: EngineConfig{
			ScriptTasksEnabled:   false,
			MaxConcurrentWorkers: 8,
			VariableMaxBytes:     1 << 20,
			InstanceLockFairness: "unfair",
		},
		Timers: TimerConfig{
			PollInterval: time.Second,
			LeaseTTL:     60 * time.Second,
			MaxAttempts:  3,
		},
		Handlers: HandlersConfig{
			Dir:            "",
			Watch:          false,
			DefaultTimeout: 30 * time.Second,
			MaxRetries:     0,
		},
		NATS: NATSConfig{
			URL:    "",
			Stream: "graph",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Engine.MaxConcurrentWorkers <= 0 {
		return fmt.Errorf("engine.max_concurrent_workers must be positive")
	}
	if c.Engine.VariableMaxBytes <= 0 {
		return fmt.Errorf("engine.variable_max_bytes must be positive")
	}
	switch c.Engine.InstanceLockFairness {
	case "fifo", "unfair":
	default:
		return fmt.Errorf("engine.instance_lock_fairness must be fifo or unfair")
	}
	if c.Timers.PollInterval <= 0 {
		return fmt.Errorf("timers.poll_interval must be positive")
	}
	if c.Timers.LeaseTTL <= 0 {
		return fmt.Errorf("timers.lease_ttl must be positive")
	}
	if c.Timers.MaxAttempts <= 0 {
		return fmt.Errorf("timers.max_attempts must be positive")
	}
	if c.Handlers.DefaultTimeout <= 0 {
		return fmt.Errorf("handlers.default_timeout must be positive")
	}
	if c.Handlers.MaxRetries < 0 {
		return fmt.Errorf("handlers.max_retries must not be negative")
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

	// Server
	if other.Server.Listen != "" {
		c.Server.Listen = other.Server.Listen
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}

	// Store
	if other.Store.Dir != "" {
		c.Store.Dir = other.Store.Dir
	}
	if other.Store.SnapshotInterval != 0 {
		c.Store.SnapshotInterval = other.Store.SnapshotInterval
	}

	// Engine
	if other.Engine.ScriptTasksEnabled {
		c.Engine.ScriptTasksEnabled = true
	}
	if other.Engine.MaxConcurrentWorkers != 0 {
		c.Engine.MaxConcurrentWorkers = other.Engine.MaxConcurrentWorkers
	}
	if other.Engine.VariableMaxBytes != 0 {
		c.Engine.VariableMaxBytes = other.Engine.VariableMaxBytes
	}
	if other.Engine.InstanceLockFairness != "" {
		c.Engine.InstanceLockFairness = other.Engine.InstanceLockFairness
	}

	// Timers
	if other.Timers.PollInterval != 0 {
		c.Timers.PollInterval = other.Timers.PollInterval
	}
	if other.Timers.LeaseTTL != 0 {
		c.Timers.LeaseTTL = other.Timers.LeaseTTL
	}
	if other.Timers.MaxAttempts != 0 {
		c.Timers.MaxAttempts = other.Timers.MaxAttempts
	}

	// Handlers
	if other.Handlers.Dir != "" {
		c.Handlers.Dir = other.Handlers.Dir
	}
	if other.Handlers.Watch {
		c.Handlers.Watch = true
	}
	if other.Handlers.DefaultTimeout != 0 {
		c.Handlers.DefaultTimeout = other.Handlers.DefaultTimeout
	}
	if other.Handlers.MaxRetries != 0 {
		c.Handlers.MaxRetries = other.Handlers.MaxRetries
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Stream != "" {
		c.NATS.Stream = other.NATS.Stream
	}
}
