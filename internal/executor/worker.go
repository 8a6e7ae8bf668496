package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tbancroft/stampede/internal/budget"
	"github.com/tbancroft/stampede/internal/checkpoint"
	"github.com/tbancroft/stampede/internal/event"
	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

// worker is one executor slot. Within a worker the per-task procedure is
// strictly sequential; concurrency comes from the pool running N workers.
type worker struct {
	id      int
	pool    *Pool
	breaker *Breaker

	mu     sync.Mutex
	task   string
	tokens int64
}

// currentTask returns the task the worker holds, or empty.
func (w *worker) currentTask() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.task
}

func (w *worker) setTask(id string) {
	w.mu.Lock()
	w.task = id
	w.mu.Unlock()
}

func (w *worker) addTokens(n int64) {
	w.mu.Lock()
	w.tokens += n
	w.mu.Unlock()
}

func (w *worker) snapshot() ExecutorState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ExecutorState{
		ID:                  w.id,
		CurrentTaskID:       w.task,
		Breaker:             w.breaker.State(),
		ConsecutiveFailures: w.breaker.ConsecutiveFailures(),
		TokensUsed:          w.tokens,
	}
}

// run is the executor loop: receive a task id, execute the per-task
// procedure, repeat until the queue closes or the context cancels.
func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-w.pool.queue:
			if !ok {
				return
			}
			w.execute(ctx, taskID)
			w.pool.deps.Progress.PoolState(w.pool.RunningCount(), len(w.pool.queue))
		}
	}
}

// execute runs the per-task procedure for one dequeued task.
func (w *worker) execute(ctx context.Context, taskID string) {
	p := w.pool

	// Reserve the task. A conflict means another executor won the race.
	err := p.deps.Store.Transition(taskID, models.TaskStatusReady, models.TaskStatusRunning, func(t *models.Task) {
		t.Attempts++
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			log.Printf("[executor %d] reserve %s: %v", w.id, taskID, err)
		}
		p.complete(Completion{TaskID: taskID, ExecutorID: w.id, Outcome: OutcomeSkipped})
		return
	}

	w.setTask(taskID)
	defer w.setTask("")

	p.deps.Progress.TaskTransition(taskID, models.TaskStatusReady, models.TaskStatusRunning)
	p.deps.Events.Publish(event.Event{
		Type:       event.TypeTaskStarted,
		TaskID:     taskID,
		ExecutorID: w.id,
		Timestamp:  time.Now().UTC(),
	})

	task, err := p.deps.Store.Get(taskID)
	if err != nil {
		log.Printf("[executor %d] reread %s: %v", w.id, taskID, err)
		p.complete(Completion{TaskID: taskID, ExecutorID: w.id, Outcome: OutcomeSkipped})
		return
	}

	// Budget admission. A per-task breach fails the task permanently; a
	// total-budget denial releases the task undispatched and tells the
	// planner to stop feeding the pool.
	if _, err := p.deps.Budget.Admit(taskID); err != nil {
		if errors.Is(err, budget.ErrPerTaskExceeded) {
			w.fail(task, nil, models.ErrKindBudgetExhausted, err)
			return
		}
		w.release(taskID, "budget refused dispatch")
		p.complete(Completion{TaskID: taskID, ExecutorID: w.id, Outcome: OutcomeRequeued, BudgetDenied: true})
		return
	}

	// Circuit breaker. An open circuit releases the task and idles this
	// executor until its cooldown elapses; other executors keep draining.
	if !w.breaker.Allow() {
		w.release(taskID, "circuit open")
		p.complete(Completion{TaskID: taskID, ExecutorID: w.id, Outcome: OutcomeRequeued, BreakerOpen: true})
		w.idleThroughCooldown(ctx)
		return
	}

	deps := w.resolveDependencies(task)
	prompt := ComposePrompt(task, deps)

	cp := w.openCheckpoint(task)

	ictx := ctx
	if p.cfg.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, p.cfg.WorkerTimeout)
		defer cancel()
	}

	resp, err := p.deps.Tool.Invoke(ictx, llm.Request{
		TaskID:  taskID,
		Prompt:  prompt,
		WorkDir: p.cfg.WorkDir,
	})

	// Engine shutdown: return the task and flush a restored checkpoint.
	// A response that made it back despite the cancellation still counts.
	if err != nil && ctx.Err() != nil {
		w.restoreOnCancel(task, cp)
		return
	}

	if err != nil {
		w.fail(task, cp, Classify(err), err)
		return
	}

	if err := ValidateResult(p.cfg.WorkDir, resp); err != nil {
		w.fail(task, cp, models.ErrKindValidation, err)
		return
	}

	w.succeed(task, cp, resp)
}

// resolveDependencies loads the completed dependency tasks for the prompt.
func (w *worker) resolveDependencies(task *models.Task) []*models.Task {
	var deps []*models.Task
	for _, depID := range task.DependsOn {
		dep, err := w.pool.deps.Store.Get(depID)
		if err != nil {
			continue
		}
		deps = append(deps, dep)
	}
	return deps
}

// openCheckpoint creates and activates the checkpoint for this attempt.
// Checkpoint trouble is logged, never fatal to the attempt.
func (w *worker) openCheckpoint(task *models.Task) *checkpoint.Checkpoint {
	p := w.pool

	parentID := ""
	if prev, err := p.deps.Checkpoints.Latest(task.ID); err == nil {
		parentID = prev.ID
	}

	cp, err := p.deps.Checkpoints.Create(
		task.ID,
		task.Attempts,
		fmt.Sprintf("attempt %d", task.Attempts),
		map[string]any{"executor_id": w.id},
		parentID,
	)
	if err != nil {
		log.Printf("[executor %d] checkpoint create %s: %v", w.id, task.ID, err)
		return nil
	}
	if _, err := p.deps.Checkpoints.Activate(cp.ID); err != nil {
		log.Printf("[executor %d] checkpoint activate %s: %v", w.id, cp.ID, err)
	}
	return cp
}

// release returns an undispatched task to ready, undoing the attempt count.
func (w *worker) release(taskID, reason string) {
	err := w.pool.deps.Store.Transition(taskID, models.TaskStatusRunning, models.TaskStatusReady, func(t *models.Task) {
		if t.Attempts > 0 {
			t.Attempts--
		}
	})
	if err != nil {
		log.Printf("[executor %d] release %s (%s): %v", w.id, taskID, reason, err)
		return
	}
	w.pool.deps.Progress.TaskTransition(taskID, models.TaskStatusRunning, models.TaskStatusReady)
}

// restoreOnCancel handles engine shutdown mid-invocation: the task returns
// to ready with a restored marker and the checkpoint is flushed as restored.
func (w *worker) restoreOnCancel(task *models.Task, cp *checkpoint.Checkpoint) {
	p := w.pool

	if cp != nil {
		if _, err := p.deps.Checkpoints.Fail(cp.ID, "interrupted by shutdown"); err == nil {
			if _, err := p.deps.Checkpoints.Restore(cp.ID); err != nil {
				log.Printf("[executor %d] restore checkpoint %s: %v", w.id, cp.ID, err)
			}
		}
	}

	err := p.deps.Store.Transition(task.ID, models.TaskStatusRunning, models.TaskStatusReady, func(t *models.Task) {
		if t.Attempts > 0 {
			t.Attempts--
		}
		t.RetryContext = "restored: interrupted by engine shutdown"
	})
	if err != nil {
		log.Printf("[executor %d] return %s on shutdown: %v", w.id, task.ID, err)
	} else {
		p.deps.Progress.TaskTransition(task.ID, models.TaskStatusRunning, models.TaskStatusReady)
	}

	p.complete(Completion{TaskID: task.ID, ExecutorID: w.id, Outcome: OutcomeRequeued, Cancelled: true})
}

// succeed stores the result and completes the checkpoint.
func (w *worker) succeed(task *models.Task, cp *checkpoint.Checkpoint, resp *llm.Response) {
	p := w.pool

	result := &models.Result{
		Text:          resp.Text,
		CreatedFiles:  resp.CreatedFiles,
		ModifiedFiles: resp.ModifiedFiles,
		TokensUsed:    resp.TokensUsed,
	}

	err := p.deps.Store.Transition(task.ID, models.TaskStatusRunning, models.TaskStatusCompleted, func(t *models.Task) {
		t.Result = result
		t.LastError = nil
		t.RetryContext = ""
	})
	if err != nil {
		log.Printf("[executor %d] store result %s: %v", w.id, task.ID, err)
	}

	p.deps.Budget.Record(task.ID, resp.TokensUsed)
	w.addTokens(resp.TokensUsed)
	w.breaker.RecordSuccess()

	if cp != nil {
		if _, err := p.deps.Checkpoints.Complete(cp.ID, map[string]any{"tokens_used": resp.TokensUsed}); err != nil {
			log.Printf("[executor %d] complete checkpoint %s: %v", w.id, cp.ID, err)
		}
	}

	used, limit, _ := p.deps.Budget.Usage()
	p.deps.Progress.TaskTransition(task.ID, models.TaskStatusRunning, models.TaskStatusCompleted)
	p.deps.Progress.BudgetUsage(used, limit)
	p.deps.Events.Publish(event.Event{
		Type:       event.TypeTaskCompleted,
		TaskID:     task.ID,
		ExecutorID: w.id,
		TokensUsed: resp.TokensUsed,
		Timestamp:  time.Now().UTC(),
	})

	p.complete(Completion{
		TaskID:     task.ID,
		ExecutorID: w.id,
		Outcome:    OutcomeCompleted,
		TokensUsed: resp.TokensUsed,
	})
}

// fail records the error, fails the checkpoint, and feeds the breaker.
func (w *worker) fail(task *models.Task, cp *checkpoint.Checkpoint, kind models.ErrorKind, cause error) {
	p := w.pool

	terr := models.NewTaskError(kind, task.Attempts, cause)
	err := p.deps.Store.Transition(task.ID, models.TaskStatusRunning, models.TaskStatusFailed, func(t *models.Task) {
		t.LastError = terr
		t.RetryContext = fmt.Sprintf("attempt %d failed with %s: %s", task.Attempts, kind, terr.Message)
	})
	if err != nil {
		log.Printf("[executor %d] record failure %s: %v", w.id, task.ID, err)
	}

	if cp != nil {
		if _, err := p.deps.Checkpoints.Fail(cp.ID, terr.Detail); err != nil {
			log.Printf("[executor %d] fail checkpoint %s: %v", w.id, cp.ID, err)
		}
	}

	// The breaker counts the transient class: network/timeout/rate-limit
	// and malformed protocol output. Proven-permanent failures bypass it.
	if kind == models.ErrKindTransient || kind == models.ErrKindProtocol {
		if w.breaker.RecordFailure() {
			p.deps.Events.Publish(event.Event{
				Type:       event.TypeBreakerOpen,
				TaskID:     task.ID,
				ExecutorID: w.id,
				Message:    fmt.Sprintf("circuit opened after %d consecutive failures", p.cfg.Breaker.FailureThreshold),
				Timestamp:  time.Now().UTC(),
			})
		}
	}

	p.deps.Progress.TaskTransition(task.ID, models.TaskStatusRunning, models.TaskStatusFailed)
	p.deps.Events.Publish(event.Event{
		Type:       event.TypeTaskFailed,
		TaskID:     task.ID,
		ExecutorID: w.id,
		ErrorKind:  kind,
		Message:    terr.Message,
		Timestamp:  time.Now().UTC(),
	})

	p.complete(Completion{
		TaskID:     task.ID,
		ExecutorID: w.id,
		Outcome:    OutcomeFailed,
		Err:        terr,
	})
}

// idleThroughCooldown parks an open-circuit executor until its cooldown
// elapses or the engine shuts down.
func (w *worker) idleThroughCooldown(ctx context.Context) {
	remaining := w.breaker.CooldownRemaining()
	if remaining <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(remaining):
	}
}
