// Package config handles configuration loading and validation for stampede.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// EnforcementMode controls how the budget governor handles exhaustion.
type EnforcementMode string

const (
	// EnforcementStrict refuses dispatches once the budget would be exceeded.
	EnforcementStrict EnforcementMode = "strict"
	// EnforcementSoft allows dispatches past the limit but emits warnings.
	EnforcementSoft EnforcementMode = "soft"
)

// ToolMode selects how the external LLM tool is invoked.
type ToolMode string

const (
	// ToolModeCLI spawns the tool as a subprocess (default).
	ToolModeCLI ToolMode = "cli"
	// ToolModeAPI calls the Anthropic API directly.
	ToolModeAPI ToolMode = "api"
)

// Config holds all configuration for the engine.
type Config struct {
	Tool       ToolConfig       `mapstructure:"tool"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Store      StoreConfig      `mapstructure:"store"`
	Review     ReviewConfig     `mapstructure:"review"`
	History    HistoryConfig    `mapstructure:"history"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`

	// ShutdownGraceSeconds bounds how long a clean shutdown may take.
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// ToolConfig holds external tool invocation settings.
type ToolConfig struct {
	// Mode is "cli" (subprocess) or "api" (direct Anthropic API).
	Mode ToolMode `mapstructure:"mode"`
	// Command is the executable name for CLI mode.
	Command string `mapstructure:"command"`
	// WorkDir is the working directory passed to each invocation.
	WorkDir string `mapstructure:"workdir"`
	// Model is the model identifier for API mode.
	Model string `mapstructure:"model"`
	// UseBedrock routes API mode through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// AWSRegion is the Bedrock region, e.g. "us-west-2".
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional shared-config profile for Bedrock.
	AWSProfile string `mapstructure:"aws_profile"`
}

// PoolConfig holds executor pool settings.
type PoolConfig struct {
	// MaxWorkers is the number of executors (1-32).
	MaxWorkers int `mapstructure:"max_workers"`
	// WorkerTimeoutSeconds is the per-invocation wall clock limit.
	WorkerTimeoutSeconds int `mapstructure:"worker_timeout"`
}

// WorkerTimeout returns the per-invocation timeout as a duration.
func (p PoolConfig) WorkerTimeout() time.Duration {
	return time.Duration(p.WorkerTimeoutSeconds) * time.Second
}

// QueueCapacity returns the bounded queue size, twice the worker count.
func (p PoolConfig) QueueCapacity() int {
	return 2 * p.MaxWorkers
}

// RetryConfig holds per-task retry policy settings.
type RetryConfig struct {
	// MaxRetries bounds attempts beyond the first.
	MaxRetries int `mapstructure:"max_retries"`
	// BaseDelaySeconds is the delay before the first retry.
	BaseDelaySeconds float64 `mapstructure:"retry_base_delay"`
	// MaxDelaySeconds caps the exponential backoff.
	MaxDelaySeconds float64 `mapstructure:"retry_max_delay"`
}

// BaseDelay returns the base backoff delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds * float64(time.Second))
}

// MaxDelay returns the backoff cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds * float64(time.Second))
}

// BreakerConfig holds per-executor circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// OpenCooldownSeconds is the initial refusal window once open.
	OpenCooldownSeconds int `mapstructure:"open_cooldown"`
	// MaxCooldownSeconds caps the doubling cooldown.
	MaxCooldownSeconds int `mapstructure:"max_cooldown"`
}

// OpenCooldown returns the initial cooldown as a duration.
func (b BreakerConfig) OpenCooldown() time.Duration {
	return time.Duration(b.OpenCooldownSeconds) * time.Second
}

// MaxCooldown returns the cooldown cap as a duration.
func (b BreakerConfig) MaxCooldown() time.Duration {
	return time.Duration(b.MaxCooldownSeconds) * time.Second
}

// BudgetConfig holds usage budget settings.
type BudgetConfig struct {
	// TotalLimit is the cumulative token budget; 0 disables enforcement.
	TotalLimit int64 `mapstructure:"total_limit"`
	// PerTaskLimit bounds a single task's cumulative usage; 0 disables.
	PerTaskLimit int64 `mapstructure:"per_task_limit"`
	// WarningThreshold is the percentage (0-100) at which a warning fires.
	WarningThreshold int `mapstructure:"warning_threshold"`
	// EnforcementMode is "strict" or "soft".
	EnforcementMode EnforcementMode `mapstructure:"enforcement_mode"`
	// EstimatePerTask is the admission-check cost estimate for a task whose
	// usage history is empty; 0 means admit on the recorded total alone.
	EstimatePerTask int64 `mapstructure:"estimate_per_task"`
}

// CheckpointConfig holds checkpoint store settings.
type CheckpointConfig struct {
	// Root is the checkpoint directory.
	Root string `mapstructure:"root"`
	// MaxAgeDays bounds how long completed/failed checkpoints are kept.
	MaxAgeDays int `mapstructure:"max_age_days"`
	// StaleThresholdHours decides resume vs fail for interrupted tasks.
	StaleThresholdHours int `mapstructure:"stale_threshold_hours"`
}

// MaxAge returns the garbage-collection age as a duration.
func (c CheckpointConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// StaleThreshold returns the resume staleness cutoff as a duration.
func (c CheckpointConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdHours) * time.Hour
}

// StoreConfig holds task store settings.
type StoreConfig struct {
	// Path is the task-store file location.
	Path string `mapstructure:"path"`
	// Watch reloads externally appended tasks while the engine runs.
	Watch bool `mapstructure:"watch"`
}

// ReviewConfig holds review-pass settings.
type ReviewConfig struct {
	// Enabled toggles the post-drain review pass.
	Enabled bool `mapstructure:"enabled"`
	// MaxDepth bounds how many review rounds may emit follow-up tasks.
	MaxDepth int `mapstructure:"max_depth"`
}

// HistoryConfig holds run-history database settings.
type HistoryConfig struct {
	// Path is the sqlite database location; empty disables history.
	Path string `mapstructure:"path"`
}

// AnthropicConfig holds API credential settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// ShutdownGrace returns the shutdown deadline as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// minAPIKeyLength is the shortest credential accepted at startup.
const minAPIKeyLength = 16

// ValidationError wraps a configuration problem; the engine refuses to start on one.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate checks option ranges and the API credential.
// requireCredential is false for commands that never invoke the tool.
func (c *Config) Validate(requireCredential bool) error {
	if c.Pool.MaxWorkers < 1 || c.Pool.MaxWorkers > 32 {
		return &ValidationError{"pool.max_workers", fmt.Sprintf("must be 1-32, got %d", c.Pool.MaxWorkers)}
	}
	if c.Pool.WorkerTimeoutSeconds <= 0 {
		return &ValidationError{"pool.worker_timeout", "must be positive"}
	}
	if c.Retry.MaxRetries < 0 {
		return &ValidationError{"retry.max_retries", "must be non-negative"}
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		return &ValidationError{"retry.retry_base_delay", "must be positive"}
	}
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return &ValidationError{"retry.retry_max_delay", "must be >= retry_base_delay"}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &ValidationError{"breaker.failure_threshold", "must be at least 1"}
	}
	if c.Breaker.OpenCooldownSeconds <= 0 {
		return &ValidationError{"breaker.open_cooldown", "must be positive"}
	}
	if c.Breaker.MaxCooldownSeconds < c.Breaker.OpenCooldownSeconds {
		return &ValidationError{"breaker.max_cooldown", "must be >= open_cooldown"}
	}
	if c.Budget.WarningThreshold < 0 || c.Budget.WarningThreshold > 100 {
		return &ValidationError{"budget.warning_threshold", fmt.Sprintf("must be 0-100, got %d", c.Budget.WarningThreshold)}
	}
	switch c.Budget.EnforcementMode {
	case EnforcementStrict, EnforcementSoft:
	default:
		return &ValidationError{"budget.enforcement_mode", fmt.Sprintf("must be strict or soft, got %q", c.Budget.EnforcementMode)}
	}
	switch c.Tool.Mode {
	case ToolModeCLI, ToolModeAPI:
	default:
		return &ValidationError{"tool.mode", fmt.Sprintf("must be cli or api, got %q", c.Tool.Mode)}
	}
	if c.Checkpoint.Root == "" {
		return &ValidationError{"checkpoint.root", "must be set"}
	}
	if c.Checkpoint.MaxAgeDays < 1 {
		return &ValidationError{"checkpoint.max_age_days", "must be at least 1"}
	}
	if c.Checkpoint.StaleThresholdHours < 1 {
		return &ValidationError{"checkpoint.stale_threshold_hours", "must be at least 1"}
	}
	if c.Store.Path == "" {
		return &ValidationError{"store.path", "must be set"}
	}
	if c.Review.MaxDepth < 0 {
		return &ValidationError{"review.max_depth", "must be non-negative"}
	}
	if c.ShutdownGraceSeconds <= 0 {
		return &ValidationError{"shutdown_grace_seconds", "must be positive"}
	}

	if requireCredential {
		key := c.Anthropic.APIKey
		if key == "" {
			return &ValidationError{"anthropic.api_key", "ANTHROPIC_API_KEY is not set"}
		}
		if len(key) < minAPIKeyLength {
			return &ValidationError{"anthropic.api_key", "credential is implausibly short"}
		}
	}

	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.stampede.yaml in current directory or parent)
// 3. User config (~/.config/stampede/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// setDefaults configures default values for every recognized option.
func setDefaults(v *viper.Viper) {
	v.SetDefault("tool.mode", "cli")
	v.SetDefault("tool.command", "claude")
	v.SetDefault("tool.workdir", ".")
	v.SetDefault("tool.model", "")
	v.SetDefault("tool.use_bedrock", false)

	v.SetDefault("pool.max_workers", 3)
	v.SetDefault("pool.worker_timeout", 1800)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.retry_base_delay", 2.0)
	v.SetDefault("retry.retry_max_delay", 60.0)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_cooldown", 60)
	v.SetDefault("breaker.max_cooldown", 600)

	v.SetDefault("budget.total_limit", 0)
	v.SetDefault("budget.per_task_limit", 0)
	v.SetDefault("budget.warning_threshold", 80)
	v.SetDefault("budget.enforcement_mode", "strict")
	v.SetDefault("budget.estimate_per_task", 0)

	v.SetDefault("checkpoint.root", ".stampede/checkpoints")
	v.SetDefault("checkpoint.max_age_days", 30)
	v.SetDefault("checkpoint.stale_threshold_hours", 24)

	v.SetDefault("store.path", "tasks.json")
	v.SetDefault("store.watch", false)

	v.SetDefault("review.enabled", true)
	v.SetDefault("review.max_depth", 2)

	v.SetDefault("history.path", ".stampede/history.db")

	v.SetDefault("shutdown_grace_seconds", 30)
}

// Default returns a Config with built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Unmarshal of defaults cannot fail; the map is built above.
	_ = v.Unmarshal(cfg)
	return cfg
}

// userConfigDir returns the XDG config directory for stampede.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stampede")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "stampede")
	}
	return filepath.Join(home, ".config", "stampede")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

// findProjectConfig searches for .stampede.yaml upward from the current directory.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".stampede.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
