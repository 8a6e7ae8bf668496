package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tbancroft/stampede/internal/config"
	"github.com/tbancroft/stampede/internal/history"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

var (
	statusConfigPath string
	statusYAML       bool
	statusSessions   int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task statuses and recent run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg *config.Config
		var err error
		if statusConfigPath != "" {
			cfg, err = config.LoadFromPath(statusConfigPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		tasks := st.List(store.Filter{})

		if statusYAML {
			return yaml.NewEncoder(os.Stdout).Encode(statusReport(tasks))
		}

		if len(tasks) == 0 {
			fmt.Printf("no tasks in %s\n", cfg.Store.Path)
		}
		counts := make(map[models.TaskStatus]int)
		for _, task := range tasks {
			counts[task.Status]++
			switch task.Status {
			case models.TaskStatusCompleted:
				colGreen.Printf("  ✓ %-20s", task.ID)
				colDim.Printf(" %s\n", task.Title)
			case models.TaskStatusFailed:
				colRed.Printf("  ✗ %-20s", task.ID)
				if task.LastError != nil {
					fmt.Printf(" %s: %s (attempt %d)\n", task.LastError.Kind, task.LastError.Message, task.LastError.Attempt)
				} else {
					fmt.Println(" failed")
				}
			case models.TaskStatusBlocked:
				colYellow.Printf("  ⊘ %-20s", task.ID)
				fmt.Printf(" %s\n", task.BlockedReason)
			case models.TaskStatusRunning:
				fmt.Printf("  ▸ %-20s running\n", task.ID)
			default:
				colDim.Printf("  · %-20s %s\n", task.ID, task.Status)
			}
		}
		if len(tasks) > 0 {
			fmt.Printf("\n  %d completed, %d failed, %d blocked, %d pending, %d ready\n",
				counts[models.TaskStatusCompleted], counts[models.TaskStatusFailed],
				counts[models.TaskStatusBlocked], counts[models.TaskStatusPending],
				counts[models.TaskStatusReady])
		}

		if cfg.History.Path != "" {
			if err := printHistory(cfg.History.Path); err != nil {
				colDim.Printf("  (no run history: %v)\n", err)
			}
		}

		return nil
	},
}

// taskReport is the YAML shape for --yaml output.
type taskReport struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Status   string `yaml:"status"`
	Attempts int    `yaml:"attempts,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

func statusReport(tasks []*models.Task) []taskReport {
	out := make([]taskReport, 0, len(tasks))
	for _, task := range tasks {
		rep := taskReport{
			ID:       task.ID,
			Title:    task.Title,
			Status:   string(task.Status),
			Attempts: task.Attempts,
		}
		if task.LastError != nil {
			rep.Error = task.LastError.Error()
		}
		out = append(out, rep)
	}
	return out
}

// printHistory lists the most recent recorded runs.
func printHistory(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	hist, err := history.Open(path)
	if err != nil {
		return err
	}
	defer hist.Close()

	sessions, err := hist.RecentSessions(statusSessions)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	fmt.Println("\n  recent runs:")
	for _, s := range sessions {
		fmt.Printf("    %s  %s  %d done / %d failed  %d tokens  exit %d\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04"),
			s.Completed, s.Failed, s.TokensUsed, s.ExitCode)
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVarP(&statusConfigPath, "config", "c", "", "Path to a config file")
	statusCmd.Flags().BoolVar(&statusYAML, "yaml", false, "Emit machine-readable YAML")
	statusCmd.Flags().IntVar(&statusSessions, "sessions", 5, "How many recent runs to show")
}
