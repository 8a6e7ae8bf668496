// Package planner drives the engine: it computes the ready frontier, orders
// it deterministically, feeds the executor pool, decides follow-up on each
// completion, and runs the post-drain review pass.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/tbancroft/stampede/internal/budget"
	"github.com/tbancroft/stampede/internal/event"
	"github.com/tbancroft/stampede/internal/executor"
	"github.com/tbancroft/stampede/internal/graph"
	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

// Config holds planner policy settings.
type Config struct {
	// MaxRetries bounds attempts beyond the first.
	MaxRetries int
	// RetryBaseDelay is the backoff base.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration
	// ReviewEnabled toggles the post-drain review pass.
	ReviewEnabled bool
	// ReviewMaxDepth bounds review rounds that emit follow-up tasks.
	ReviewMaxDepth int
	// ReviewTimeout bounds the review invocation.
	ReviewTimeout time.Duration
	// WorkDir is the working directory for the review invocation.
	WorkDir string
}

// Deps are the planner's collaborators.
type Deps struct {
	Store    *store.Store
	Graph    *graph.DependencyGraph
	Pool     *executor.Pool
	Budget   *budget.Governor
	Tool     llm.Tool
	Events   event.Sink
	Progress event.ProgressSink
}

// Outcome summarizes a finished planning run.
type Outcome struct {
	// Completed, Failed, Blocked count terminal task states.
	Completed int
	Failed    int
	Blocked   int
	// BudgetExhausted is set when strict enforcement halted dispatching.
	BudgetExhausted bool
	// Cancelled is set when the run was interrupted.
	Cancelled bool
}

// reviewTaskID is the budget accounting id for review-pass invocations.
const reviewTaskID = "review-pass"

// Planner owns the dispatch loop. Its state updates are serialized: only the
// Run goroutine mutates planner state, apart from retry timers clearing their
// entries in retrying under retryMu, and completions are processed in
// arrival order.
type Planner struct {
	cfg  Config
	deps Deps

	// inflight tracks ids submitted to the pool and not yet reported.
	inflight map[string]bool
	// retrying tracks ids with a scheduled backoff timer.
	retrying map[string]bool
	// retryMu guards retrying, which timers touch from their own goroutines.
	retryMu sync.Mutex
	// wake is signalled by retry timers and external task additions.
	wake chan struct{}
	// exhausted halts dispatching under strict budget enforcement.
	exhausted bool
	// reviewDepth counts review rounds that emitted new tasks.
	reviewDepth int

	rng *rand.Rand
}

// New creates a Planner.
func New(cfg Config, deps Deps) *Planner {
	if deps.Events == nil {
		deps.Events = event.NopSink{}
	}
	if deps.Progress == nil {
		deps.Progress = event.NopSink{}
	}
	return &Planner{
		cfg:      cfg,
		deps:     deps,
		inflight: make(map[string]bool),
		retrying: make(map[string]bool),
		wake:     make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wake nudges the dispatch loop; used by the store watcher when external
// tasks are appended mid-run.
func (p *Planner) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run executes the planning loop until all work drains, the budget halts
// dispatching, or the context is cancelled.
func (p *Planner) Run(ctx context.Context) (Outcome, error) {
	if err := p.rebuildGraph(); err != nil {
		return Outcome{}, err
	}
	p.failCycles()
	p.recoverFailed()

	for {
		if ctx.Err() != nil {
			return p.finish(true), nil
		}

		// Tasks appended mid-run (watcher, review) enter the graph here.
		if p.deps.Store.Len() != p.deps.Graph.Size() {
			if err := p.rebuildGraph(); err != nil {
				return p.finish(false), err
			}
			p.failCycles()
		}

		p.promoteReady()

		if !p.exhausted {
			if err := p.dispatchFrontier(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return p.finish(true), nil
				}
				return p.finish(false), err
			}
		}

		if p.idle() {
			if p.exhausted {
				p.deps.Events.Publish(event.Event{
					Type:      event.TypeBudgetExhausted,
					Message:   "budget exhausted; dispatching halted",
					Timestamp: time.Now().UTC(),
				})
				return p.finish(false), nil
			}
			if p.frontierSize() > 0 {
				// Ready work appeared after the last dispatch pass.
				continue
			}
			added, err := p.reviewPass(ctx)
			if err != nil {
				log.Printf("[planner] review pass: %v", err)
			}
			if added == 0 {
				return p.finish(false), nil
			}
			if err := p.rebuildGraph(); err != nil {
				return p.finish(false), err
			}
			continue
		}

		select {
		case c, ok := <-p.deps.Pool.Completions():
			if ok {
				p.handleCompletion(c)
			}
		case <-p.wake:
		case <-ctx.Done():
		}
	}
}

// idle reports whether nothing is in flight and no retry timer is pending.
func (p *Planner) idle() bool {
	if len(p.inflight) > 0 {
		return false
	}
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	return len(p.retrying) == 0
}

// rebuildGraph reloads the dependency graph from the store.
func (p *Planner) rebuildGraph() error {
	tasks := p.deps.Store.List(store.Filter{})
	if err := p.deps.Graph.Build(tasks); err != nil {
		return fmt.Errorf("build dependency graph: %w", err)
	}
	return nil
}

// failCycles fails every task on a dependency cycle and blocks everything
// downstream. Planning continues on the acyclic remainder.
func (p *Planner) failCycles() {
	members := p.deps.Graph.CycleMembers()
	if len(members) == 0 {
		return
	}
	log.Printf("[planner] dependency cycle detected: %v", members)

	inCycle := make(map[string]bool, len(members))
	for _, id := range members {
		inCycle[id] = true
	}

	for _, id := range members {
		task, err := p.deps.Store.Get(id)
		if err != nil || task.Status.Terminal() || task.Status == models.TaskStatusFailed {
			continue
		}
		err = p.deps.Store.Transition(id, task.Status, models.TaskStatusFailed, func(t *models.Task) {
			t.LastError = models.NewTaskError(models.ErrKindDependencyCycle, 0,
				fmt.Errorf("task is part of a dependency cycle"))
		})
		if err != nil {
			log.Printf("[planner] fail cycle member %s: %v", id, err)
			continue
		}
		p.deps.Progress.TaskTransition(id, task.Status, models.TaskStatusFailed)
		p.deps.Events.Publish(event.Event{
			Type:      event.TypeTaskFailed,
			TaskID:    id,
			ErrorKind: models.ErrKindDependencyCycle,
			Timestamp: time.Now().UTC(),
		})
	}

	for _, id := range members {
		for _, depID := range p.deps.Graph.TransitiveDependents(id) {
			if !inCycle[depID] {
				p.blockTask(depID, "dependency_cycle:"+id)
			}
		}
	}
}

// recoverFailed re-queues failed tasks from a previous run that still have
// retry budget; the rest block their dependents.
func (p *Planner) recoverFailed() {
	for _, task := range p.deps.Store.List(store.Filter{Statuses: []models.TaskStatus{models.TaskStatusFailed}}) {
		kind := models.ErrKindTransient
		if task.LastError != nil {
			kind = task.LastError.Kind
		}
		if executor.ShouldRetry(kind, task.Attempts, p.cfg.MaxRetries) {
			err := p.deps.Store.Transition(task.ID, models.TaskStatusFailed, models.TaskStatusReady, nil)
			if err == nil {
				p.deps.Progress.TaskTransition(task.ID, models.TaskStatusFailed, models.TaskStatusReady)
			}
			continue
		}
		p.blockDependents(task.ID)
	}
}

// promoteReady moves pending tasks whose dependencies all completed to
// ready, and blocks pending tasks behind exhausted failures.
func (p *Planner) promoteReady() {
	p.retryMu.Lock()
	retrying := make(map[string]bool, len(p.retrying))
	for id := range p.retrying {
		retrying[id] = true
	}
	p.retryMu.Unlock()

	for _, task := range p.deps.Store.List(store.Filter{Statuses: []models.TaskStatus{models.TaskStatusPending}}) {
		ready := true
		blockedBy := ""
		for _, depID := range task.DependsOn {
			dep, err := p.deps.Store.Get(depID)
			if err != nil {
				ready = false
				break
			}
			switch dep.Status {
			case models.TaskStatusCompleted:
			case models.TaskStatusBlocked:
				blockedBy = depID
				ready = false
			case models.TaskStatusFailed:
				// A failure whose completion is still unprocessed may yet be
				// retried; only settled failures block.
				if !retrying[depID] && !p.inflight[depID] {
					blockedBy = depID
				}
				ready = false
			default:
				ready = false
			}
			if blockedBy != "" {
				break
			}
		}

		if blockedBy != "" {
			p.blockTask(task.ID, "dependency_failed:"+blockedBy)
			continue
		}
		if !ready {
			continue
		}

		err := p.deps.Store.Transition(task.ID, models.TaskStatusPending, models.TaskStatusReady, nil)
		if err != nil {
			log.Printf("[planner] promote %s: %v", task.ID, err)
			continue
		}
		p.deps.Progress.TaskTransition(task.ID, models.TaskStatusPending, models.TaskStatusReady)
	}
}

// frontierSize counts ready tasks not currently in flight.
func (p *Planner) frontierSize() int {
	count := 0
	for _, task := range p.deps.Store.List(store.Filter{Statuses: []models.TaskStatus{models.TaskStatusReady}}) {
		if !p.inflight[task.ID] {
			count++
		}
	}
	return count
}

// dispatchFrontier submits ready tasks in deterministic topological order,
// consulting the budget governor before each dispatch.
func (p *Planner) dispatchFrontier(ctx context.Context) error {
	ready := make(map[string]bool)
	for _, task := range p.deps.Store.List(store.Filter{Statuses: []models.TaskStatus{models.TaskStatusReady}}) {
		if !p.inflight[task.ID] {
			ready[task.ID] = true
		}
	}
	if len(ready) == 0 {
		return nil
	}

	for _, id := range p.deps.Graph.TopoOrder() {
		if !ready[id] {
			continue
		}

		d, err := p.deps.Budget.Admit(id)
		if err != nil {
			if errors.Is(err, budget.ErrPerTaskExceeded) {
				p.failBudget(id, err)
				continue
			}
			// Total budget exhausted: halt dispatching, let the pool drain.
			p.exhausted = true
			return nil
		}
		if d.Warn {
			p.emitBudgetWarning()
		}

		if err := p.deps.Pool.Submit(ctx, id); err != nil {
			return err
		}
		p.inflight[id] = true
	}

	return nil
}

// handleCompletion processes one executor notification in arrival order.
func (p *Planner) handleCompletion(c executor.Completion) {
	delete(p.inflight, c.TaskID)

	p.emitBudgetWarning()

	switch c.Outcome {
	case executor.OutcomeCompleted, executor.OutcomeSkipped:
		return

	case executor.OutcomeRequeued:
		if c.BudgetDenied {
			p.exhausted = true
		}
		// Breaker and cancellation requeues leave the task ready; the
		// dispatch loop picks it up again.
		return

	case executor.OutcomeFailed:
		task, err := p.deps.Store.Get(c.TaskID)
		if err != nil {
			log.Printf("[planner] completion for unknown task %s: %v", c.TaskID, err)
			return
		}

		kind := models.ErrKindTransient
		if c.Err != nil {
			kind = c.Err.Kind
		}

		if executor.ShouldRetry(kind, task.Attempts, p.cfg.MaxRetries) {
			p.scheduleRetry(task.ID, task.Attempts)
			return
		}

		log.Printf("[planner] task %s failed permanently after %d attempts (%s)", task.ID, task.Attempts, kind)
		p.blockDependents(task.ID)
	}
}

// scheduleRetry arms a backoff timer that returns the task to ready.
func (p *Planner) scheduleRetry(taskID string, attempt int) {
	delay := executor.Backoff(attempt, p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, p.rng)

	p.retryMu.Lock()
	p.retrying[taskID] = true
	p.retryMu.Unlock()

	log.Printf("[planner] retrying task %s in %s (attempt %d done)", taskID, delay.Round(time.Millisecond), attempt)
	p.deps.Events.Publish(event.Event{
		Type:      event.TypeTaskRetried,
		TaskID:    taskID,
		Message:   fmt.Sprintf("retry scheduled in %s", delay.Round(time.Millisecond)),
		Timestamp: time.Now().UTC(),
	})

	time.AfterFunc(delay, func() {
		err := p.deps.Store.Transition(taskID, models.TaskStatusFailed, models.TaskStatusReady, nil)
		if err != nil {
			log.Printf("[planner] retry transition %s: %v", taskID, err)
		} else {
			p.deps.Progress.TaskTransition(taskID, models.TaskStatusFailed, models.TaskStatusReady)
		}

		p.retryMu.Lock()
		delete(p.retrying, taskID)
		p.retryMu.Unlock()

		p.Wake()
	})
}

// failBudget permanently fails a task whose per-task budget is exhausted.
func (p *Planner) failBudget(taskID string, cause error) {
	task, err := p.deps.Store.Get(taskID)
	if err != nil {
		return
	}
	err = p.deps.Store.Transition(taskID, task.Status, models.TaskStatusFailed, func(t *models.Task) {
		t.LastError = models.NewTaskError(models.ErrKindBudgetExhausted, t.Attempts, cause)
	})
	if err != nil {
		log.Printf("[planner] fail %s on budget: %v", taskID, err)
		return
	}
	p.deps.Progress.TaskTransition(taskID, task.Status, models.TaskStatusFailed)
	p.blockDependents(taskID)
}

// blockDependents cascades a permanent failure to everything downstream.
func (p *Planner) blockDependents(failedID string) {
	for _, depID := range p.deps.Graph.TransitiveDependents(failedID) {
		p.blockTask(depID, "dependency_failed:"+failedID)
	}
}

// blockTask moves one task to blocked if it is still pending or ready.
func (p *Planner) blockTask(id, reason string) {
	task, err := p.deps.Store.Get(id)
	if err != nil {
		return
	}
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusReady {
		return
	}

	err = p.deps.Store.Transition(id, task.Status, models.TaskStatusBlocked, func(t *models.Task) {
		t.BlockedReason = reason
	})
	if err != nil {
		log.Printf("[planner] block %s: %v", id, err)
		return
	}
	p.deps.Progress.TaskTransition(id, task.Status, models.TaskStatusBlocked)
	p.deps.Events.Publish(event.Event{
		Type:      event.TypeTaskBlocked,
		TaskID:    id,
		Message:   reason,
		Timestamp: time.Now().UTC(),
	})
}

// emitBudgetWarning publishes the once-per-run warning when due.
func (p *Planner) emitBudgetWarning() {
	if !p.deps.Budget.TakeWarning() {
		return
	}
	used, limit, _ := p.deps.Budget.Usage()
	p.deps.Events.Publish(event.Event{
		Type:       event.TypeBudgetWarning,
		Message:    fmt.Sprintf("usage %d of %d tokens", used, limit),
		TokensUsed: used,
		Timestamp:  time.Now().UTC(),
	})
}

// finish tallies terminal states for the run outcome.
func (p *Planner) finish(cancelled bool) Outcome {
	out := Outcome{
		BudgetExhausted: p.exhausted,
		Cancelled:       cancelled,
	}
	for _, task := range p.deps.Store.List(store.Filter{}) {
		switch task.Status {
		case models.TaskStatusCompleted:
			out.Completed++
		case models.TaskStatusFailed:
			out.Failed++
		case models.TaskStatusBlocked:
			out.Blocked++
		}
	}
	return out
}
