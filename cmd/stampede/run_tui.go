package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tbancroft/stampede/internal/engine"
	"github.com/tbancroft/stampede/internal/event"
	"github.com/tbancroft/stampede/pkg/models"
)

// runWithTUI runs the engine behind a live dashboard. The engine's event
// stream is forwarded into the bubbletea program; the dashboard stays up
// until the user quits after the run finishes.
func runWithTUI(ctx context.Context, eng *engine.Engine, sink *programSink) (engine.ExitCode, error) {
	// Log output corrupts the alternate screen; silence it for the duration.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	model := newDashboard()
	program := tea.NewProgram(model, tea.WithAltScreen())
	sink.attach(program)

	done := make(chan runResult, 1)
	go func() {
		code, err := eng.Run(ctx)
		program.Send(runDoneMsg{code: code, err: err})
		done <- runResult{code, err}
	}()

	if _, err := program.Run(); err != nil {
		// The dashboard died; the run continues headless.
		log.SetOutput(originalOutput)
		log.Printf("[tui] %v", err)
	}

	res := <-done
	return res.code, res.err
}

type runResult struct {
	code engine.ExitCode
	err  error
}

// programSink forwards engine events into the TUI once attached, and always
// into the wrapped sink.
type programSink struct {
	mu      sync.Mutex
	program *tea.Program
	next    event.Sink
}

func (s *programSink) attach(p *tea.Program) {
	s.mu.Lock()
	s.program = p
	s.mu.Unlock()
}

// Publish implements event.Sink.
func (s *programSink) Publish(e event.Event) {
	s.mu.Lock()
	p := s.program
	s.mu.Unlock()

	if p != nil {
		p.Send(engineEventMsg{e})
	}
	if s.next != nil {
		s.next.Publish(e)
	}
}

type engineEventMsg struct{ event.Event }

type runDoneMsg struct {
	code engine.ExitCode
	err  error
}

var (
	tuiTitle   = lipgloss.NewStyle().Bold(true)
	tuiOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	tuiBad     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	tuiWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	tuiFaint   = lipgloss.NewStyle().Faint(true)
	maxLogRows = 12
)

// dashboard is the bubbletea model for the live run view.
type dashboard struct {
	spin      spinner.Model
	statuses  map[string]models.TaskStatus
	lines     []string
	tokens    int64
	done      bool
	exitCode  engine.ExitCode
	startedAt time.Time
}

func newDashboard() *dashboard {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &dashboard{
		spin:      sp,
		statuses:  make(map[string]models.TaskStatus),
		startedAt: time.Now(),
	}
}

// Init implements tea.Model.
func (d *dashboard) Init() tea.Cmd {
	return d.spin.Tick
}

// Update implements tea.Model.
func (d *dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return d, tea.Quit
		}

	case engineEventMsg:
		d.apply(msg.Event)
		return d, nil

	case runDoneMsg:
		d.done = true
		d.exitCode = msg.code
		return d, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spin, cmd = d.spin.Update(msg)
		return d, cmd
	}

	return d, nil
}

// apply folds one engine event into the view state.
func (d *dashboard) apply(e event.Event) {
	switch e.Type {
	case event.TypeTaskStarted:
		d.statuses[e.TaskID] = models.TaskStatusRunning
		d.logf("%s started on executor %d", e.TaskID, e.ExecutorID)
	case event.TypeTaskCompleted:
		d.statuses[e.TaskID] = models.TaskStatusCompleted
		d.tokens += e.TokensUsed
		d.logf("%s completed (%d tokens)", e.TaskID, e.TokensUsed)
	case event.TypeTaskFailed:
		d.statuses[e.TaskID] = models.TaskStatusFailed
		d.logf("%s failed: %s", e.TaskID, e.Message)
	case event.TypeTaskBlocked:
		d.statuses[e.TaskID] = models.TaskStatusBlocked
		d.logf("%s blocked: %s", e.TaskID, e.Message)
	case event.TypeBudgetWarning:
		d.logf("budget warning: %s", e.Message)
	case event.TypeBudgetExhausted:
		d.logf("budget exhausted")
	case event.TypeBreakerOpen:
		d.logf("executor %d circuit opened", e.ExecutorID)
	case event.TypeReviewStarted:
		d.logf("review pass running")
	case event.TypeReviewCompleted:
		d.logf("%s", e.Message)
	}
}

func (d *dashboard) logf(format string, args ...any) {
	d.lines = append(d.lines, fmt.Sprintf(format, args...))
	if len(d.lines) > maxLogRows {
		d.lines = d.lines[len(d.lines)-maxLogRows:]
	}
}

// View implements tea.Model.
func (d *dashboard) View() string {
	var b strings.Builder

	var completed, failed, blocked, running int
	for _, st := range d.statuses {
		switch st {
		case models.TaskStatusCompleted:
			completed++
		case models.TaskStatusFailed:
			failed++
		case models.TaskStatusBlocked:
			blocked++
		case models.TaskStatusRunning:
			running++
		}
	}

	if d.done {
		b.WriteString(tuiTitle.Render("stampede — finished"))
		fmt.Fprintf(&b, "  exit %d", d.exitCode)
	} else {
		b.WriteString(d.spin.View())
		b.WriteString(tuiTitle.Render(" stampede"))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "  %s  %s  %s  %s\n",
		tuiOK.Render(fmt.Sprintf("%d done", completed)),
		fmt.Sprintf("%d running", running),
		tuiBad.Render(fmt.Sprintf("%d failed", failed)),
		tuiWarn.Render(fmt.Sprintf("%d blocked", blocked)),
	)
	fmt.Fprintf(&b, "  %s\n\n", tuiFaint.Render(fmt.Sprintf("%d tokens · %s elapsed", d.tokens, time.Since(d.startedAt).Round(time.Second))))

	for _, line := range d.lines {
		fmt.Fprintf(&b, "  %s\n", tuiFaint.Render(line))
	}

	if d.done {
		b.WriteString("\n  press q to exit\n")
	}

	return b.String()
}
