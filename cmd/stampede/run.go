package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tbancroft/stampede/internal/config"
	"github.com/tbancroft/stampede/internal/engine"
	"github.com/tbancroft/stampede/internal/event"
	"github.com/tbancroft/stampede/internal/history"
	"github.com/tbancroft/stampede/internal/progress"
)

var (
	runConfigPath string
	runWorkers    int
	runStorePath  string
	runBudget     int64
	runWatch      bool
	runTUI        bool
	runQuiet      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the task store until it drains",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "stampede: %v\n", err)
			os.Exit(int(engine.ExitConfigInvalid))
		}

		if cfg.Tool.Mode == config.ToolModeCLI {
			if err := CheckToolCLI(cfg.Tool.Command); err != nil {
				fmt.Fprintf(os.Stderr, "stampede: %v\n", err)
				os.Exit(int(engine.ExitConfigInvalid))
			}
		}

		opts := engine.Options{}

		if cfg.History.Path != "" {
			hist, err := history.Open(cfg.History.Path)
			if err != nil {
				log.Printf("[run] history disabled: %v", err)
			} else {
				defer hist.Close()
				opts.History = hist
			}
		}

		eventLog := filepath.Join(filepath.Dir(cfg.Checkpoint.Root), "events.jsonl")
		if sink, err := event.NewLogSink(eventLog); err == nil {
			defer sink.Close()
			opts.Events = sink
		}

		// In TUI mode, engine events also feed the dashboard once it is up.
		var tuiSink *programSink
		if runTUI {
			tuiSink = &programSink{next: opts.Events}
			opts.Events = tuiSink
		}

		if !runTUI && !runQuiet {
			opts.Progress = progress.NewConsole(os.Stdout)
		}

		eng, err := engine.New(cfg, opts)
		if err != nil {
			// Startup failures are configuration or corrupted state; the
			// engine refuses to run either way.
			fmt.Fprintf(os.Stderr, "stampede: %v\n", err)
			os.Exit(int(engine.ExitConfigInvalid))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var code engine.ExitCode
		if runTUI {
			code, err = runWithTUI(ctx, eng, tuiSink)
		} else {
			code, err = eng.Run(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "stampede: %v\n", err)
		}

		printSummary(eng)
		os.Exit(int(code))
		return nil
	},
}

// loadRunConfig loads configuration and applies flag overrides.
func loadRunConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if runConfigPath != "" {
		cfg, err = config.LoadFromPath(runConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if runWorkers > 0 {
		cfg.Pool.MaxWorkers = runWorkers
	}
	if runStorePath != "" {
		cfg.Store.Path = runStorePath
	}
	if runBudget > 0 {
		cfg.Budget.TotalLimit = runBudget
	}
	if runWatch {
		cfg.Store.Watch = true
	}

	return cfg, nil
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to a config file (overrides discovery)")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "Executor pool size (1-32)")
	runCmd.Flags().StringVar(&runStorePath, "store", "", "Task store file path")
	runCmd.Flags().Int64Var(&runBudget, "budget", 0, "Total token budget for this run")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Pick up tasks appended to the store mid-run")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live dashboard")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress output")
}
