// Package progress provides ProgressSink implementations for plain console
// output. The TUI dashboard in cmd consumes engine events directly.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/tbancroft/stampede/pkg/models"
)

var (
	styleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleDim       = lipgloss.NewStyle().Faint(true)
)

// Console writes one line per observation to a writer.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console progress sink.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// TaskTransition implements event.ProgressSink.
func (c *Console) TaskTransition(taskID string, from, to models.TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	label := string(to)
	switch to {
	case models.TaskStatusCompleted:
		label = styleCompleted.Render(label)
	case models.TaskStatusFailed:
		label = styleFailed.Render(label)
	case models.TaskStatusBlocked:
		label = styleBlocked.Render(label)
	case models.TaskStatusRunning:
		label = styleRunning.Render(label)
	}

	fmt.Fprintf(c.out, "%s %s %s\n", taskID, styleDim.Render(string(from)+" ->"), label)
}

// PoolState implements event.ProgressSink.
func (c *Console) PoolState(running, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, styleDim.Render(fmt.Sprintf("pool: %d running, %d queued\n", running, queued)))
}

// BudgetUsage implements event.ProgressSink.
func (c *Console) BudgetUsage(used, limit int64) {
	if limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, styleDim.Render(fmt.Sprintf("budget: %d / %d tokens\n", used, limit)))
}
