// Package config provides configuration loading and management for Valet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Valet configuration
type Config struct {
	Vault    VaultConfig    `yaml:"vault"`
	User     UserConfig     `yaml:"user"`
	Watchers WatchersConfig `yaml:"watchers"`
	Executor ExecutorConfig `yaml:"executor"`
	Daily    DailyConfig    `yaml:"daily"`
	Autonomy AutonomyConfig `yaml:"autonomy"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Audit    AuditConfig    `yaml:"audit"`
}

// VaultConfig locates the vault and the supporting state.
type VaultConfig struct {
	// Root is the vault directory (required).
	Root string `yaml:"root"`
	// StateDir holds the plan registry and watcher checkpoints.
	StateDir string `yaml:"state_dir"`
	// SecretsDir holds per-channel credential blobs.
	SecretsDir string `yaml:"secrets_dir"`
}

// UserConfig identifies the vault owner.
type UserConfig struct {
	ID string `yaml:"id"`
}

// WatcherConfig configures one watcher.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Mode selects mock or real upstream access.
	Mode string `yaml:"mode"`
}

// WatchersConfig holds the per-source watcher settings.
type WatchersConfig struct {
	Filesystem WatcherConfig `yaml:"filesystem"`
	Gmail      WatcherConfig `yaml:"gmail"`
	WhatsApp   WatcherConfig `yaml:"whatsapp"`
	LinkedIn   WatcherConfig `yaml:"linkedin"`
	Instagram  WatcherConfig `yaml:"instagram"`
	Odoo       WatcherConfig `yaml:"odoo"`

	// WhatsAppBridgeURL points at the local session bridge.
	WhatsAppBridgeURL string `yaml:"whatsapp_bridge_url"`
}

// ExecutorConfig tunes execution.
type ExecutorConfig struct {
	// SweepInterval is the approval sweep cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SensitiveActions lists "channel:action" pairs that require the
	// dry-run second approval. Empty means every mutating action.
	SensitiveActions []string `yaml:"sensitive_actions"`
	// RetryBase is the initial backoff for transient errors.
	RetryBase time.Duration `yaml:"retry_base"`
	// MaxAttempts bounds retryable execution attempts.
	MaxAttempts int `yaml:"max_attempts"`
	// ActionTimeout bounds one adapter call.
	ActionTimeout time.Duration `yaml:"action_timeout"`
	// ActionTimeouts overrides ActionTimeout per action type, keyed by
	// the action name (for example "send_email").
	ActionTimeouts map[string]time.Duration `yaml:"action_timeouts"`
}

// DailyConfig schedules the daily cycle.
type DailyConfig struct {
	// Cron is a five-field cron expression; empty disables the cycle.
	Cron string `yaml:"cron"`
}

// AutonomyConfig bounds the autonomy loop.
type AutonomyConfig struct {
	// Task is the standing objective; empty disables the loop.
	Task              string `yaml:"task"`
	Iterations        int    `yaml:"iterations"`
	PlansPerIteration int    `yaml:"plans_per_iteration"`
}

// NATSConfig configures the event mirror.
type NATSConfig struct {
	// URL is the NATS server URL (empty = events disabled)
	URL string `yaml:"url"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled).
	Addr string `yaml:"addr"`
}

// AuditConfig tunes audit-log retention.
type AuditConfig struct {
	// RetentionDays is how long daily files stay uncompressed.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	watcher := WatcherConfig{Enabled: false, Interval: time.Minute, Mode: "mock"}
	return &Config{
		Vault: VaultConfig{
			Root: "", // Required from file or flag
		},
		User: UserConfig{
			ID: "owner",
		},
		Watchers: WatchersConfig{
			Filesystem:        WatcherConfig{Enabled: true, Interval: time.Minute, Mode: "real"},
			Gmail:             watcher,
			WhatsApp:          watcher,
			LinkedIn:          watcher,
			Instagram:         watcher,
			Odoo:              watcher,
			WhatsAppBridgeURL: "http://127.0.0.1:8077",
		},
		Executor: ExecutorConfig{
			SweepInterval: 30 * time.Second,
			RetryBase:     2 * time.Second,
			MaxAttempts:   3,
			ActionTimeout: 30 * time.Second,
		},
		Daily: DailyConfig{
			Cron: "30 7 * * *",
		},
		Autonomy: AutonomyConfig{
			Iterations:        10,
			PlansPerIteration: 5,
		},
		NATS:    NATSConfig{URL: ""},
		Metrics: MetricsConfig{Addr: ""},
		Audit:   AuditConfig{RetentionDays: 90},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Vault.Root == "" {
		return fmt.Errorf("vault.root is required")
	}
	if c.User.ID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("executor.max_attempts must be at least 1")
	}
	if c.Autonomy.Iterations < 0 || c.Autonomy.Iterations > 50 {
		return fmt.Errorf("autonomy.iterations must be between 0 and 50")
	}
	for name, w := range map[string]WatcherConfig{
		"filesystem": c.Watchers.Filesystem,
		"gmail":      c.Watchers.Gmail,
		"whatsapp":   c.Watchers.WhatsApp,
		"linkedin":   c.Watchers.LinkedIn,
		"instagram":  c.Watchers.Instagram,
		"odoo":       c.Watchers.Odoo,
	} {
		if w.Mode != "" && w.Mode != "mock" && w.Mode != "real" {
			return fmt.Errorf("watchers.%s.mode must be mock or real", name)
		}
	}
	return nil
}

// SetAllModes forces every watcher's adapter mode, backing the --mode
// CLI override.
func (c *Config) SetAllModes(mode string) error {
	if mode != "mock" && mode != "real" {
		return fmt.Errorf("mode must be mock or real, got %q", mode)
	}
	for _, w := range []*WatcherConfig{
		&c.Watchers.Filesystem,
		&c.Watchers.Gmail,
		&c.Watchers.WhatsApp,
		&c.Watchers.LinkedIn,
		&c.Watchers.Instagram,
		&c.Watchers.Odoo,
	} {
		w.Mode = mode
	}
	return nil
}

// StateDir returns the state directory, defaulting next to the vault.
func (c *Config) StateDir() string {
	if c.Vault.StateDir != "" {
		return c.Vault.StateDir
	}
	return filepath.Join(c.Vault.Root, ".valet")
}

// SecretsDir returns the secrets directory, defaulting under the state
// directory.
func (c *Config) SecretsDir() string {
	if c.Vault.SecretsDir != "" {
		return c.Vault.SecretsDir
	}
	return filepath.Join(c.StateDir(), "secrets")
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

	// Vault
	if other.Vault.Root != "" {
		c.Vault.Root = other.Vault.Root
	}
	if other.Vault.StateDir != "" {
		c.Vault.StateDir = other.Vault.StateDir
	}
	if other.Vault.SecretsDir != "" {
		c.Vault.SecretsDir = other.Vault.SecretsDir
	}

	// User
	if other.User.ID != "" {
		c.User.ID = other.User.ID
	}

	// Watchers
	mergeWatcher(&c.Watchers.Filesystem, other.Watchers.Filesystem)
	mergeWatcher(&c.Watchers.Gmail, other.Watchers.Gmail)
	mergeWatcher(&c.Watchers.WhatsApp, other.Watchers.WhatsApp)
	mergeWatcher(&c.Watchers.LinkedIn, other.Watchers.LinkedIn)
	mergeWatcher(&c.Watchers.Instagram, other.Watchers.Instagram)
	mergeWatcher(&c.Watchers.Odoo, other.Watchers.Odoo)
	if other.Watchers.WhatsAppBridgeURL != "" {
		c.Watchers.WhatsAppBridgeURL = other.Watchers.WhatsAppBridgeURL
	}

	// Executor
	if other.Executor.SweepInterval != 0 {
		c.Executor.SweepInterval = other.Executor.SweepInterval
	}
	if len(other.Executor.SensitiveActions) > 0 {
		c.Executor.SensitiveActions = other.Executor.SensitiveActions
	}
	if other.Executor.RetryBase != 0 {
		c.Executor.RetryBase = other.Executor.RetryBase
	}
	if other.Executor.MaxAttempts != 0 {
		c.Executor.MaxAttempts = other.Executor.MaxAttempts
	}
	if other.Executor.ActionTimeout != 0 {
		c.Executor.ActionTimeout = other.Executor.ActionTimeout
	}
	if len(other.Executor.ActionTimeouts) > 0 {
		c.Executor.ActionTimeouts = other.Executor.ActionTimeouts
	}

	// Daily
	if other.Daily.Cron != "" {
		c.Daily.Cron = other.Daily.Cron
	}

	// Autonomy
	if other.Autonomy.Task != "" {
		c.Autonomy.Task = other.Autonomy.Task
	}
	if other.Autonomy.Iterations != 0 {
		c.Autonomy.Iterations = other.Autonomy.Iterations
	}
	if other.Autonomy.PlansPerIteration != 0 {
		c.Autonomy.PlansPerIteration = other.Autonomy.PlansPerIteration
	}

	// NATS / metrics / audit
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.Audit.RetentionDays != 0 {
		c.Audit.RetentionDays = other.Audit.RetentionDays
	}
}

// mergeWatcher overlays non-zero fields; Enabled is taken as-is when
// the overlay sets an interval or mode, since a bare bool cannot
// distinguish "false" from "unset".
func mergeWatcher(dst *WatcherConfig, src WatcherConfig) {
	if src.Interval != 0 || src.Mode != "" {
		dst.Enabled = src.Enabled
	}
	if src.Interval != 0 {
		dst.Interval = src.Interval
	}
	if src.Mode != "" {
		dst.Mode = src.Mode
	}
}
