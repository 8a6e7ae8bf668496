package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbancroft/stampede/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("user config:    %s\n", config.GetUserConfigPath())
		fmt.Println()
		fmt.Printf("tool.mode:                  %s\n", cfg.Tool.Mode)
		fmt.Printf("tool.command:               %s\n", cfg.Tool.Command)
		fmt.Printf("pool.max_workers:           %d\n", cfg.Pool.MaxWorkers)
		fmt.Printf("pool.worker_timeout:        %ds\n", cfg.Pool.WorkerTimeoutSeconds)
		fmt.Printf("retry.max_retries:          %d\n", cfg.Retry.MaxRetries)
		fmt.Printf("retry.base_delay:           %gs\n", cfg.Retry.BaseDelaySeconds)
		fmt.Printf("retry.max_delay:            %gs\n", cfg.Retry.MaxDelaySeconds)
		fmt.Printf("breaker.failure_threshold:  %d\n", cfg.Breaker.FailureThreshold)
		fmt.Printf("breaker.open_cooldown:      %ds\n", cfg.Breaker.OpenCooldownSeconds)
		fmt.Printf("breaker.max_cooldown:       %ds\n", cfg.Breaker.MaxCooldownSeconds)
		fmt.Printf("budget.total_limit:         %d\n", cfg.Budget.TotalLimit)
		fmt.Printf("budget.per_task_limit:      %d\n", cfg.Budget.PerTaskLimit)
		fmt.Printf("budget.warning_threshold:   %d%%\n", cfg.Budget.WarningThreshold)
		fmt.Printf("budget.enforcement_mode:    %s\n", cfg.Budget.EnforcementMode)
		fmt.Printf("checkpoint.root:            %s\n", cfg.Checkpoint.Root)
		fmt.Printf("checkpoint.max_age_days:    %d\n", cfg.Checkpoint.MaxAgeDays)
		fmt.Printf("checkpoint.stale_threshold: %dh\n", cfg.Checkpoint.StaleThresholdHours)
		fmt.Printf("store.path:                 %s\n", cfg.Store.Path)
		fmt.Printf("store.watch:                %v\n", cfg.Store.Watch)
		fmt.Printf("review.enabled:             %v\n", cfg.Review.Enabled)
		fmt.Printf("review.max_depth:           %d\n", cfg.Review.MaxDepth)
		fmt.Printf("history.path:               %s\n", cfg.History.Path)
		fmt.Printf("shutdown_grace_seconds:     %d\n", cfg.ShutdownGraceSeconds)

		key := "not set"
		if cfg.Anthropic.APIKey != "" {
			key = "set"
		}
		fmt.Printf("anthropic.api_key:          %s\n", key)

		return nil
	},
}
