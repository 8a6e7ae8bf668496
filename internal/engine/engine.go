// Package engine wires the task store, planner, executor pool, checkpoint
// store, and budget governor into one run lifecycle: startup resume, the
// planning loop, clean shutdown, and exit-code mapping.
package engine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tbancroft/stampede/internal/budget"
	"github.com/tbancroft/stampede/internal/checkpoint"
	"github.com/tbancroft/stampede/internal/config"
	"github.com/tbancroft/stampede/internal/event"
	"github.com/tbancroft/stampede/internal/executor"
	"github.com/tbancroft/stampede/internal/graph"
	"github.com/tbancroft/stampede/internal/history"
	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/internal/planner"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/internal/watch"
)

// ExitCode is the process exit status for a finished run.
type ExitCode int

const (
	// ExitOK means every task completed.
	ExitOK ExitCode = 0
	// ExitTaskFailures means one or more tasks failed.
	ExitTaskFailures ExitCode = 2
	// ExitBudgetExhausted means strict enforcement halted the run.
	ExitBudgetExhausted ExitCode = 3
	// ExitConfigInvalid means the engine refused to start.
	ExitConfigInvalid ExitCode = 4
	// ExitInterrupted means the run was cancelled.
	ExitInterrupted ExitCode = 130
)

// Options carries optional collaborators; zero values get real defaults.
type Options struct {
	// Tool overrides the external tool, for tests and alternate transports.
	Tool llm.Tool
	// Events receives terminal events.
	Events event.Sink
	// Progress observes state transitions.
	Progress event.ProgressSink
	// History records run sessions; nil disables.
	History *history.DB
}

// Engine owns the process-wide state for one run.
type Engine struct {
	cfg *config.Config

	store    *store.Store
	cps      *checkpoint.Store
	gov      *budget.Governor
	pool     *executor.Pool
	planner  *planner.Planner
	tool     llm.Tool
	events   event.Sink
	progress event.ProgressSink
	hist     *history.DB

	runID string
}

// New builds an engine from validated configuration and persisted state.
// A corrupted task store aborts startup.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	// The credential is read once here and validated; it reaches the CLI
	// tool through the inherited environment and the API runner directly.
	// Bedrock authenticates through AWS instead, and an injected tool
	// (tests, alternate transports) brings its own transport.
	requireCredential := opts.Tool == nil && !cfg.Tool.UseBedrock
	if err := cfg.Validate(requireCredential); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	cps, err := checkpoint.Open(cfg.Checkpoint.Root)
	if err != nil {
		return nil, err
	}

	gov := budget.New(cfg.Budget)

	tool := opts.Tool
	if tool == nil {
		tool, err = buildTool(cfg)
		if err != nil {
			return nil, err
		}
	}

	events := opts.Events
	if events == nil {
		events = event.NopSink{}
	}
	progress := opts.Progress
	if progress == nil {
		progress = event.NopSink{}
	}

	pool := executor.New(executor.Config{
		Workers:       cfg.Pool.MaxWorkers,
		WorkerTimeout: cfg.Pool.WorkerTimeout(),
		WorkDir:       cfg.Tool.WorkDir,
		Breaker:       cfg.Breaker,
	}, executor.Deps{
		Store:       st,
		Checkpoints: cps,
		Budget:      gov,
		Tool:        tool,
		Events:      events,
		Progress:    progress,
	})

	pl := planner.New(planner.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryBaseDelay: cfg.Retry.BaseDelay(),
		RetryMaxDelay:  cfg.Retry.MaxDelay(),
		ReviewEnabled:  cfg.Review.Enabled,
		ReviewMaxDepth: cfg.Review.MaxDepth,
		ReviewTimeout:  cfg.Pool.WorkerTimeout(),
		WorkDir:        cfg.Tool.WorkDir,
	}, planner.Deps{
		Store:    st,
		Graph:    graph.New(),
		Pool:     pool,
		Budget:   gov,
		Tool:     tool,
		Events:   events,
		Progress: progress,
	})

	return &Engine{
		cfg:      cfg,
		store:    st,
		cps:      cps,
		gov:      gov,
		pool:     pool,
		planner:  pl,
		tool:     tool,
		events:   events,
		progress: progress,
		hist:     opts.History,
		runID:    uuid.New().String()[:8],
	}, nil
}

// buildTool constructs the configured external tool implementation.
func buildTool(cfg *config.Config) (llm.Tool, error) {
	switch cfg.Tool.Mode {
	case config.ToolModeAPI:
		return llm.NewAPIRunner(llm.APIRunnerConfig{
			APIKey:     cfg.Anthropic.APIKey,
			Model:      cfg.Tool.Model,
			UseBedrock: cfg.Tool.UseBedrock,
			AWSRegion:  cfg.Tool.AWSRegion,
			AWSProfile: cfg.Tool.AWSProfile,
		})
	default:
		runner := llm.NewCLIRunner(cfg.Tool.Command, cfg.Pool.WorkerTimeout())
		runner.APIKey = cfg.Anthropic.APIKey
		return runner, nil
	}
}

// Store exposes the task store for the CLI front-end.
func (e *Engine) Store() *store.Store {
	return e.store
}

// RunID returns this run's identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// Run executes one engine run under the given cancellation context and
// returns the process exit code.
func (e *Engine) Run(ctx context.Context) (ExitCode, error) {
	started := time.Now().UTC()
	log.Printf("[engine] run %s starting: %d tasks, %d workers", e.runID, e.store.Len(), e.cfg.Pool.MaxWorkers)

	if err := e.resume(); err != nil {
		return ExitConfigInvalid, fmt.Errorf("resume: %w", err)
	}

	if removed, err := e.cps.GC(e.cfg.Checkpoint.MaxAge()); err != nil {
		log.Printf("[engine] checkpoint gc: %v", err)
	} else if removed > 0 {
		log.Printf("[engine] checkpoint gc removed %d old checkpoints", removed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var watcher *watch.Watcher
	if e.cfg.Store.Watch {
		w, err := watch.New(e.cfg.Store.Path, func() {
			added, err := e.store.ReloadNew()
			if err != nil {
				log.Printf("[engine] reload external tasks: %v", err)
				return
			}
			if len(added) > 0 {
				log.Printf("[engine] %d external tasks added: %v", len(added), added)
				e.planner.Wake()
			}
		})
		if err != nil {
			log.Printf("[engine] store watcher disabled: %v", err)
		} else {
			watcher = w
			watcher.Start(runCtx)
		}
	}

	e.pool.Start(runCtx)

	out, err := e.planner.Run(runCtx)
	if err != nil {
		cancel()
		e.shutdown()
		return ExitTaskFailures, err
	}

	// Stop the executors: cancel in-flight invocations, close the queue,
	// and bound the drain by the shutdown grace.
	cancel()
	code := e.exitCode(out)
	e.shutdown()

	if watcher != nil {
		watcher.Close()
	}

	if e.hist != nil {
		used, _, _ := e.gov.Usage()
		rec := history.Session{
			ID:         e.runID,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Completed:  out.Completed,
			Failed:     out.Failed,
			Blocked:    out.Blocked,
			TokensUsed: used,
			ExitCode:   int(code),
		}
		if err := e.hist.RecordSession(rec); err != nil {
			log.Printf("[engine] record session: %v", err)
		}
		for taskID, tokens := range e.gov.Snapshot().PerTask {
			if err := e.hist.RecordTaskUsage(e.runID, taskID, tokens); err != nil {
				log.Printf("[engine] record task usage: %v", err)
				break
			}
		}
	}

	e.events.Publish(event.Event{
		Type:      event.TypeRunCompleted,
		Message:   fmt.Sprintf("completed=%d failed=%d blocked=%d", out.Completed, out.Failed, out.Blocked),
		Timestamp: time.Now().UTC(),
	})

	return code, nil
}

// shutdown flushes stores and drains the pool within the grace window.
func (e *Engine) shutdown() {
	e.pool.Close()

	done := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace()):
		log.Printf("[engine] shutdown grace %s elapsed with executors still running", e.cfg.ShutdownGrace())
	}

	// Discard any completions the planner no longer consumes.
	go func() {
		for range e.pool.Completions() {
		}
	}()

	if err := e.store.Flush(); err != nil {
		log.Printf("[engine] flush task store: %v", err)
	}

	snapshotPath := filepath.Join(filepath.Dir(e.cfg.Checkpoint.Root), "budget.yaml")
	if err := e.gov.WriteSnapshot(snapshotPath); err != nil {
		log.Printf("[engine] write budget snapshot: %v", err)
	}

	e.events.Publish(event.Event{
		Type:      event.TypeShutdown,
		Timestamp: time.Now().UTC(),
	})
}

// exitCode maps a planner outcome to the process exit status.
func (e *Engine) exitCode(out planner.Outcome) ExitCode {
	switch {
	case out.Cancelled:
		return ExitInterrupted
	case out.BudgetExhausted:
		return ExitBudgetExhausted
	case out.Failed > 0 || out.Blocked > 0:
		return ExitTaskFailures
	default:
		return ExitOK
	}
}
