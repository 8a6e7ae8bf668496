// Package executor provides the bounded executor pool that invokes the
// external LLM tool, the per-executor circuit breaker, and the retry policy
// helpers used by the planner.
package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tbancroft/stampede/internal/budget"
	"github.com/tbancroft/stampede/internal/checkpoint"
	"github.com/tbancroft/stampede/internal/config"
	"github.com/tbancroft/stampede/internal/event"
	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

// Outcome classifies what happened to a dequeued task.
type Outcome int

const (
	// OutcomeCompleted means the task finished with a stored result.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means the attempt failed and the task is now failed.
	OutcomeFailed
	// OutcomeRequeued means the task was returned to ready undispatched
	// (budget denial, open breaker, or cancellation).
	OutcomeRequeued
	// OutcomeSkipped means another executor already held the task.
	OutcomeSkipped
)

// Completion is the notification an executor sends after handling a task.
type Completion struct {
	// TaskID is the handled task.
	TaskID string
	// ExecutorID is the executor slot (1-based).
	ExecutorID int
	// Outcome classifies the handling.
	Outcome Outcome
	// Err is the failure record for OutcomeFailed.
	Err *models.TaskError
	// TokensUsed is the reported usage for OutcomeCompleted.
	TokensUsed int64
	// BudgetDenied marks a requeue caused by the budget governor.
	BudgetDenied bool
	// BreakerOpen marks a requeue caused by an open circuit.
	BreakerOpen bool
	// Cancelled marks a requeue caused by engine shutdown.
	Cancelled bool
}

// Config holds pool settings.
type Config struct {
	// Workers is the number of executors.
	Workers int
	// WorkerTimeout is the per-invocation wall clock limit.
	WorkerTimeout time.Duration
	// WorkDir is the working directory passed to the tool.
	WorkDir string
	// Breaker configures each executor's circuit breaker.
	Breaker config.BreakerConfig
}

// Deps are the collaborators the pool writes through.
type Deps struct {
	Store       *store.Store
	Checkpoints *checkpoint.Store
	Budget      *budget.Governor
	Tool        llm.Tool
	Events      event.Sink
	Progress    event.ProgressSink
}

// Pool is a fixed set of executors consuming a bounded FIFO queue.
// Submission blocks when the queue is full; that is the planner's
// backpressure signal.
type Pool struct {
	cfg  Config
	deps Deps

	queue       chan string
	completions chan Completion
	workers     []*worker
	wg          sync.WaitGroup

	closeOnce sync.Once
}

// New creates a pool with cfg.Workers executors and a queue of twice that.
func New(cfg Config, deps Deps) *Pool {
	if deps.Events == nil {
		deps.Events = event.NopSink{}
	}
	if deps.Progress == nil {
		deps.Progress = event.NopSink{}
	}

	p := &Pool{
		cfg:  cfg,
		deps: deps,
		// Completion buffer covers every slot that can hold a task at once
		// (queue plus in-flight) so executors never block reporting.
		queue:       make(chan string, 2*cfg.Workers),
		completions: make(chan Completion, 4*cfg.Workers+8),
	}

	for i := 1; i <= cfg.Workers; i++ {
		p.workers = append(p.workers, &worker{
			id:      i,
			pool:    p,
			breaker: NewBreaker(cfg.Breaker),
		})
	}

	return p
}

// Start launches the executors under the given cancellation context.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
	}
}

// Submit enqueues a task id, blocking while the queue is full. It returns
// the context error if cancelled while waiting.
func (p *Pool) Submit(ctx context.Context, taskID string) error {
	select {
	case p.queue <- taskID:
		p.deps.Events.Publish(event.Event{
			Type:      event.TypeTaskQueued,
			TaskID:    taskID,
			Timestamp: time.Now().UTC(),
		})
		p.deps.Progress.PoolState(p.RunningCount(), len(p.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completions returns the channel of executor notifications. It is closed
// by Wait after every executor has exited.
func (p *Pool) Completions() <-chan Completion {
	return p.completions
}

// Close stops accepting submissions. Queued tasks still drain.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
}

// Wait blocks until all executors exit, then closes the completion channel.
func (p *Pool) Wait() {
	p.wg.Wait()
	close(p.completions)
}

// QueueLen returns the number of queued, undequeued tasks.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// RunningCount returns how many executors currently hold a task.
func (p *Pool) RunningCount() int {
	count := 0
	for _, w := range p.workers {
		if w.currentTask() != "" {
			count++
		}
	}
	return count
}

// ExecutorState is a snapshot of one executor slot.
type ExecutorState struct {
	// ID is the executor slot (1-based).
	ID int
	// CurrentTaskID is the held task, if any.
	CurrentTaskID string
	// Breaker is the circuit state.
	Breaker BreakerState
	// ConsecutiveFailures is the current transient-failure streak.
	ConsecutiveFailures int
	// TokensUsed is the executor's cumulative reported usage.
	TokensUsed int64
}

// Snapshot returns the state of every executor slot.
func (p *Pool) Snapshot() []ExecutorState {
	out := make([]ExecutorState, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.snapshot())
	}
	return out
}

// complete delivers a completion; the buffer is sized so this never blocks
// in a correctly wired engine, but guard with a log if it would.
func (p *Pool) complete(c Completion) {
	select {
	case p.completions <- c:
	default:
		log.Printf("[pool] completion buffer full, blocking on task %s", c.TaskID)
		p.completions <- c
	}
}
