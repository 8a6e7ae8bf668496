package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/tbancroft/stampede/internal/engine"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

var (
	colGreen  = color.New(color.FgGreen)
	colRed    = color.New(color.FgRed)
	colYellow = color.New(color.FgYellow)
	colDim    = color.New(color.Faint)
)

// printSummary lists per-task status with the last error kind and a one-line
// message. Full error payloads stay in the task store for post-mortem.
func printSummary(eng *engine.Engine) {
	tasks := eng.Store().List(store.Filter{})
	if len(tasks) == 0 {
		return
	}

	fmt.Fprintln(os.Stdout)
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			colGreen.Printf("  ✓ %-20s", task.ID)
			colDim.Printf(" %s\n", task.Title)
		case models.TaskStatusFailed:
			colRed.Printf("  ✗ %-20s", task.ID)
			if task.LastError != nil {
				fmt.Printf(" %s: %s\n", task.LastError.Kind, task.LastError.Message)
			} else {
				fmt.Println(" failed")
			}
		case models.TaskStatusBlocked:
			colYellow.Printf("  ⊘ %-20s", task.ID)
			fmt.Printf(" blocked (%s)\n", task.BlockedReason)
		default:
			colDim.Printf("  · %-20s %s\n", task.ID, task.Status)
		}
	}
}
