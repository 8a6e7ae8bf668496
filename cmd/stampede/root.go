package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// CheckToolCLI verifies the external LLM tool is reachable in PATH.
// Returns an error with installation guidance if not found.
func CheckToolCLI(command string) error {
	_, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("%s not found in PATH\n\n"+
			"stampede drives the Claude Code CLI to execute tasks.\n\n"+
			"Install it with:\n"+
			"  npm install -g @anthropic-ai/claude-code\n\n"+
			"or point tool.command at another compatible CLI in .stampede.yaml", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "stampede",
	Short: "Parallel task orchestration for LLM coding agents",
	Long: `stampede drives an LLM command-line tool to complete software
engineering tasks in parallel.

A planner reads the task store, resolves dependencies into a deterministic
order, and feeds ready tasks to a bounded pool of executors. Each executor
invocation is wrapped in retry with backoff and a per-executor circuit
breaker; per-step checkpoints make runs resumable after a crash, and a
usage-budget governor halts dispatching before the token quota is gone.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
