package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Listen != ":8084" {
		t.Errorf("expected default listen :8084, got %s", cfg.Server.Listen)
	}
	if cfg.Engine.ScriptTasksEnabled {
		t.Error("expected script tasks disabled by default")
	}
	if cfg.Engine.MaxConcurrentWorkers != 8 {
		t.Errorf("expected 8 workers by default, got %d", cfg.Engine.MaxConcurrentWorkers)
	}
	if cfg.Engine.InstanceLockFairness != "unfair" {
		t.Errorf("expected unfair lock handoff by default, got %s", cfg.Engine.InstanceLockFairness)
	}
	if cfg.Timers.PollInterval != time.Second {
		t.Errorf("expected 1s poll interval, got %v", cfg.Timers.PollInterval)
	}
	if cfg.Timers.LeaseTTL != 60*time.Second {
		t.Errorf("expected 60s lease ttl, got %v", cfg.Timers.LeaseTTL)
	}
	if cfg.Handlers.MaxRetries != 0 {
		t.Errorf("expected no handler retries by default, got %d", cfg.Handlers.MaxRetries)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("expected mirroring disabled by default, got %s", cfg.NATS.URL)
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
			name:    "missing listen address",
			modify:  func(c *Config) { c.Server.Listen = "" },
			wantErr: true,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Engine.MaxConcurrentWorkers = 0 },
			wantErr: true,
		},
		{
			name:    "zero variable cap",
			modify:  func(c *Config) { c.Engine.VariableMaxBytes = 0 },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Timers.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero lease ttl",
			modify:  func(c *Config) { c.Timers.LeaseTTL = 0 },
			wantErr: true,
		},
		{
			name:    "negative handler retries",
			modify:  func(c *Config) { c.Handlers.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "unknown lock fairness",
			modify:  func(c *Config) { c.Engine.InstanceLockFairness = "round-robin" },
			wantErr: true,
		},
		{
			name:    "fifo lock fairness",
			modify:  func(c *Config) { c.Engine.InstanceLockFairness = "fifo" },
			wantErr: false,
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
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  listen: ":9000"
store:
  dir: "/var/lib/semflow"
  snapshot_interval: 1m
engine:
  script_tasks_enabled: true
  max_concurrent_workers: 16
timers:
  poll_interval: 500ms
handlers:
  dir: "/etc/semflow/handlers"
  watch: true
nats:
  url: "nats://test:4222"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Listen != ":9000" {
		t.Errorf("expected listen :9000, got %s", cfg.Server.Listen)
	}
	if cfg.Store.Dir != "/var/lib/semflow" {
		t.Errorf("expected store dir /var/lib/semflow, got %s", cfg.Store.Dir)
	}
	if cfg.Store.SnapshotInterval != time.Minute {
		t.Errorf("expected snapshot interval 1m, got %v", cfg.Store.SnapshotInterval)
	}
	if !cfg.Engine.ScriptTasksEnabled {
		t.Error("expected script tasks enabled")
	}
	if cfg.Engine.MaxConcurrentWorkers != 16 {
		t.Errorf("expected 16 workers, got %d", cfg.Engine.MaxConcurrentWorkers)
	}
	if cfg.Timers.PollInterval != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %v", cfg.Timers.PollInterval)
	}
	if cfg.Handlers.Dir != "/etc/semflow/handlers" {
		t.Errorf("expected handlers dir /etc/semflow/handlers, got %s", cfg.Handlers.Dir)
	}
	if !cfg.Handlers.Watch {
		t.Error("expected handler watching enabled")
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	// Unset fields keep their defaults.
	if cfg.Timers.LeaseTTL != 60*time.Second {
		t.Errorf("expected lease ttl to remain default, got %v", cfg.Timers.LeaseTTL)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Server: ServerConfig{
			Listen: ":7070",
		},
		Engine: EngineConfig{
			MaxConcurrentWorkers: 32,
		},
	}

	base.Merge(override)

	if base.Server.Listen != ":7070" {
		t.Errorf("expected listen :7070, got %s", base.Server.Listen)
	}
	if base.Engine.MaxConcurrentWorkers != 32 {
		t.Errorf("expected 32 workers, got %d", base.Engine.MaxConcurrentWorkers)
	}
	// Untouched fields keep base values.
	if base.Timers.PollInterval != time.Second {
		t.Errorf("expected poll interval to remain default, got %v", base.Timers.PollInterval)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Listen = ":6061"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Server.Listen != ":6061" {
		t.Errorf("expected listen :6061, got %s", loaded.Server.Listen)
	}
}
