// Package budget provides the usage-budget governor that admits or refuses
// dispatches based on cumulative token consumption.
package budget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbancroft/stampede/internal/config"
)

// ErrExhausted indicates the total budget would be exceeded under strict mode.
var ErrExhausted = errors.New("token budget exhausted")

// ErrPerTaskExceeded indicates a single task would exceed its per-task limit.
var ErrPerTaskExceeded = errors.New("per-task token budget exceeded")

// Status represents the current state of budget consumption.
type Status int

const (
	// StatusOK indicates usage is below the warning threshold.
	StatusOK Status = iota
	// StatusWarning indicates usage is between the warning threshold and the limit.
	StatusWarning
	// StatusExhausted indicates the budget is fully consumed.
	StatusExhausted
)

// String returns a human-readable representation of the budget status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// Governor tracks cumulative token usage against a configured budget and
// performs the admission check before each dispatch.
type Governor struct {
	// totalLimit is the cumulative token budget; 0 disables enforcement.
	totalLimit int64
	// perTaskLimit bounds one task's cumulative usage; 0 disables.
	perTaskLimit int64
	// warningThreshold is the fraction (0.0-1.0) at which a warning fires.
	warningThreshold float64
	// estimate is the admission-check cost for tasks with no usage history.
	estimate int64
	// soft allows dispatches past the limit, emitting warnings instead.
	soft bool

	// used is the cumulative token consumption this run.
	used int64
	// perTask breaks usage down by task id.
	perTask map[string]int64
	// warned latches the one-per-run warning event.
	warned bool
	// startedAt is the wall-clock reset point.
	startedAt time.Time

	mu sync.Mutex
}

// New creates a Governor from the budget configuration.
func New(cfg config.BudgetConfig) *Governor {
	return &Governor{
		totalLimit:       cfg.TotalLimit,
		perTaskLimit:     cfg.PerTaskLimit,
		warningThreshold: float64(cfg.WarningThreshold) / 100.0,
		estimate:         cfg.EstimatePerTask,
		soft:             cfg.EnforcementMode == config.EnforcementSoft,
		perTask:          make(map[string]int64),
		startedAt:        time.Now().UTC(),
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed is false only under strict enforcement.
	Allowed bool
	// Warn is set when the dispatch is allowed but the budget is past the
	// limit under soft enforcement.
	Warn bool
	// Estimate is the cost used for the check.
	Estimate int64
}

// Admit decides whether a dispatch for taskID may proceed. The estimated
// cost is the task's recorded usage so far if any, otherwise the configured
// estimate. Under strict enforcement an over-budget dispatch returns
// ErrExhausted; under soft enforcement it is allowed with Warn set.
func (g *Governor) Admit(taskID string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	est := g.estimate
	if prior := g.perTask[taskID]; prior > 0 {
		est = prior
	}

	d := Decision{Allowed: true, Estimate: est}

	if g.perTaskLimit > 0 && g.perTask[taskID]+est > g.perTaskLimit {
		if g.soft {
			d.Warn = true
			return d, nil
		}
		d.Allowed = false
		return d, fmt.Errorf("%w: task %s", ErrPerTaskExceeded, taskID)
	}

	if g.totalLimit > 0 && g.used+est > g.totalLimit {
		if g.soft {
			d.Warn = true
			return d, nil
		}
		d.Allowed = false
		return d, ErrExhausted
	}

	return d, nil
}

// Record adds reported usage for a task after a successful invocation.
// The tool's report is authoritative; the governor does not re-derive.
func (g *Governor) Record(taskID string, tokens int64) {
	if tokens < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.used += tokens
	g.perTask[taskID] += tokens
}

// Status returns the current budget status.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

func (g *Governor) statusLocked() Status {
	if g.totalLimit <= 0 {
		return StatusOK
	}
	pct := float64(g.used) / float64(g.totalLimit)
	if pct >= 1.0 {
		return StatusExhausted
	}
	if pct >= g.warningThreshold {
		return StatusWarning
	}
	return StatusOK
}

// TakeWarning returns true exactly once per run, when usage has crossed the
// warning threshold. Subsequent calls return false.
func (g *Governor) TakeWarning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.warned {
		return false
	}
	if g.statusLocked() == StatusOK {
		return false
	}
	g.warned = true
	return true
}

// Usage returns used tokens, the total limit, and the usage fraction.
func (g *Governor) Usage() (used, limit int64, fraction float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	used = g.used
	limit = g.totalLimit
	if limit > 0 {
		fraction = float64(used) / float64(limit)
	}
	return used, limit, fraction
}

// TaskUsage returns the recorded usage for one task.
func (g *Governor) TaskUsage(taskID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perTask[taskID]
}

// Snapshot is the persisted budget record written at shutdown.
type Snapshot struct {
	TokensUsed int64            `yaml:"tokens_used"`
	TotalLimit int64            `yaml:"total_limit"`
	PerTask    map[string]int64 `yaml:"per_task"`
	StartedAt  time.Time        `yaml:"started_at"`
	WrittenAt  time.Time        `yaml:"written_at"`
}

// Snapshot returns a copy of the current accounting state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	perTask := make(map[string]int64, len(g.perTask))
	for k, v := range g.perTask {
		perTask[k] = v
	}
	return Snapshot{
		TokensUsed: g.used,
		TotalLimit: g.totalLimit,
		PerTask:    perTask,
		StartedAt:  g.startedAt,
		WrittenAt:  time.Now().UTC(),
	}
}

// WriteSnapshot persists the budget record as YAML at the given path.
func (g *Governor) WriteSnapshot(path string) error {
	snap := g.Snapshot()

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode budget snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write budget snapshot: %w", err)
	}
	return nil
}
