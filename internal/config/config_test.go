package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Pool.MaxWorkers != 3 {
		t.Errorf("MaxWorkers = %d, want 3", cfg.Pool.MaxWorkers)
	}
	if cfg.Pool.WorkerTimeout() != 1800*time.Second {
		t.Errorf("WorkerTimeout = %v, want 1800s", cfg.Pool.WorkerTimeout())
	}
	if cfg.Pool.QueueCapacity() != 6 {
		t.Errorf("QueueCapacity = %d, want 6", cfg.Pool.QueueCapacity())
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.OpenCooldown() != 60*time.Second {
		t.Errorf("OpenCooldown = %v, want 60s", cfg.Breaker.OpenCooldown())
	}
	if cfg.Breaker.MaxCooldown() != 600*time.Second {
		t.Errorf("MaxCooldown = %v, want 600s", cfg.Breaker.MaxCooldown())
	}
	if cfg.Budget.WarningThreshold != 80 {
		t.Errorf("WarningThreshold = %d, want 80", cfg.Budget.WarningThreshold)
	}
	if cfg.Budget.EnforcementMode != EnforcementStrict {
		t.Errorf("EnforcementMode = %q, want strict", cfg.Budget.EnforcementMode)
	}
	if cfg.Checkpoint.MaxAge() != 30*24*time.Hour {
		t.Errorf("MaxAge = %v, want 720h", cfg.Checkpoint.MaxAge())
	}
	if cfg.Checkpoint.StaleThreshold() != 24*time.Hour {
		t.Errorf("StaleThreshold = %v, want 24h", cfg.Checkpoint.StaleThreshold())
	}
	if cfg.ShutdownGrace() != 30*time.Second {
		t.Errorf("ShutdownGrace = %v, want 30s", cfg.ShutdownGrace())
	}
	if cfg.Tool.Mode != ToolModeCLI {
		t.Errorf("Tool.Mode = %q, want cli", cfg.Tool.Mode)
	}
	if cfg.Tool.Command != "claude" {
		t.Errorf("Tool.Command = %q, want claude", cfg.Tool.Command)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"workers zero", func(c *Config) { c.Pool.MaxWorkers = 0 }},
		{"workers too high", func(c *Config) { c.Pool.MaxWorkers = 33 }},
		{"timeout zero", func(c *Config) { c.Pool.WorkerTimeoutSeconds = 0 }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"zero base delay", func(c *Config) { c.Retry.BaseDelaySeconds = 0 }},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelaySeconds = c.Retry.BaseDelaySeconds / 2 }},
		{"threshold zero", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"cooldown zero", func(c *Config) { c.Breaker.OpenCooldownSeconds = 0 }},
		{"max cooldown below open", func(c *Config) { c.Breaker.MaxCooldownSeconds = 1 }},
		{"warning over 100", func(c *Config) { c.Budget.WarningThreshold = 101 }},
		{"warning negative", func(c *Config) { c.Budget.WarningThreshold = -1 }},
		{"bad enforcement", func(c *Config) { c.Budget.EnforcementMode = "lenient" }},
		{"bad tool mode", func(c *Config) { c.Tool.Mode = "grpc" }},
		{"no checkpoint root", func(c *Config) { c.Checkpoint.Root = "" }},
		{"no store path", func(c *Config) { c.Store.Path = "" }},
		{"negative review depth", func(c *Config) { c.Review.MaxDepth = -1 }},
		{"zero shutdown grace", func(c *Config) { c.ShutdownGraceSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate(false)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if _, ok := err.(*ValidationError); !ok {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

func TestValidateCredential(t *testing.T) {
	cfg := Default()

	cfg.Anthropic.APIKey = ""
	if err := cfg.Validate(true); err == nil {
		t.Error("empty key should fail when credential is required")
	}
	if err := cfg.Validate(false); err != nil {
		t.Errorf("empty key should pass when credential is not required: %v", err)
	}

	cfg.Anthropic.APIKey = "short"
	if err := cfg.Validate(true); err == nil {
		t.Error("short key should fail")
	}

	cfg.Anthropic.APIKey = "sk-ant-0123456789abcdef"
	if err := cfg.Validate(true); err != nil {
		t.Errorf("plausible key should pass: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
pool:
  max_workers: 5
  worker_timeout: 300
budget:
  total_limit: 50000
  enforcement_mode: soft
checkpoint:
  root: /tmp/ckpt
store:
  path: /tmp/tasks.json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Pool.MaxWorkers != 5 {
		t.Errorf("MaxWorkers = %d, want 5", cfg.Pool.MaxWorkers)
	}
	if cfg.Budget.TotalLimit != 50000 {
		t.Errorf("TotalLimit = %d, want 50000", cfg.Budget.TotalLimit)
	}
	if cfg.Budget.EnforcementMode != EnforcementSoft {
		t.Errorf("EnforcementMode = %q, want soft", cfg.Budget.EnforcementMode)
	}
	// Unset options keep defaults.
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Retry.MaxRetries)
	}
}

func TestLoadFromPathEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  max_workers: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-REDACTED")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-REDACTED" {
		t.Errorf("APIKey = %q, want env value", cfg.Anthropic.APIKey)
	}
}
