package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tbancroft/stampede/internal/budget"
	"github.com/tbancroft/stampede/internal/checkpoint"
	"github.com/tbancroft/stampede/internal/config"
	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

// scriptedTool returns canned outcomes per task id, in order. Once a task's
// script is exhausted, the last entry repeats.
type scriptedTool struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	calls   []string
	block   chan struct{} // when set, Invoke waits here or on ctx
}

type scriptStep struct {
	resp *llm.Response
	err  error
}

func newScriptedTool() *scriptedTool {
	return &scriptedTool{scripts: make(map[string][]scriptStep)}
}

func (s *scriptedTool) add(taskID string, resp *llm.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[taskID] = append(s.scripts[taskID], scriptStep{resp, err})
}

func (s *scriptedTool) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.TaskID)
	steps := s.scripts[req.TaskID]
	var step scriptStep
	if len(steps) == 0 {
		step = scriptStep{resp: &llm.Response{Text: "ok", TokensUsed: 10}}
	} else {
		step = steps[0]
		if len(steps) > 1 {
			s.scripts[req.TaskID] = steps[1:]
		}
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return step.resp, step.err
}

func (s *scriptedTool) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type poolFixture struct {
	pool  *Pool
	store *store.Store
	cps   *checkpoint.Store
	gov   *budget.Governor
	tool  *scriptedTool
}

func newPoolFixture(t *testing.T, workers int, budgetCfg config.BudgetConfig) *poolFixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}
	cps, err := checkpoint.Open(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatal(err)
	}
	gov := budget.New(budgetCfg)
	tool := newScriptedTool()

	p := New(Config{
		Workers:       workers,
		WorkerTimeout: 30 * time.Second,
		WorkDir:       dir,
		Breaker: config.BreakerConfig{
			FailureThreshold:    5,
			OpenCooldownSeconds: 60,
			MaxCooldownSeconds:  600,
		},
	}, Deps{
		Store:       st,
		Checkpoints: cps,
		Budget:      gov,
		Tool:        tool,
	})

	return &poolFixture{pool: p, store: st, cps: cps, gov: gov, tool: tool}
}

func (f *poolFixture) addReady(t *testing.T, id string) {
	t.Helper()
	err := f.store.Put(&models.Task{
		ID:       id,
		Title:    "task " + id,
		Status:   models.TaskStatusReady,
		Priority: models.PriorityMedium,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitCompletion(t *testing.T, p *Pool) Completion {
	t.Helper()
	select {
	case c := <-p.Completions():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func TestPoolCompletesTask(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.addReady(t, "t1")
	f.tool.add("t1", &llm.Response{Text: "done", TokensUsed: 42}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeCompleted {
		t.Fatalf("Outcome = %v, want completed (err: %v)", c.Outcome, c.Err)
	}
	if c.TokensUsed != 42 {
		t.Errorf("TokensUsed = %d, want 42", c.TokensUsed)
	}

	task, err := f.store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("Status = %s, want completed", task.Status)
	}
	if task.Result == nil || task.Result.Text != "done" {
		t.Errorf("Result = %+v", task.Result)
	}
	if task.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", task.Attempts)
	}

	if used := f.gov.TaskUsage("t1"); used != 42 {
		t.Errorf("budget usage = %d, want 42", used)
	}

	cps, err := f.cps.List(checkpoint.ListFilter{TaskID: "t1", States: []checkpoint.State{checkpoint.StateCompleted}})
	if err != nil || len(cps) != 1 {
		t.Errorf("completed checkpoints = %d (%v), want 1", len(cps), err)
	}
}

func TestPoolFailureRecordsError(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.addReady(t, "t1")
	f.tool.add("t1", nil, &llm.InvocationError{ExitCode: 1, Stderr: "rate limit exceeded"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want failed", c.Outcome)
	}
	if c.Err == nil || c.Err.Kind != models.ErrKindTransient {
		t.Errorf("Err = %+v, want transient", c.Err)
	}

	task, _ := f.store.Get("t1")
	if task.Status != models.TaskStatusFailed {
		t.Errorf("Status = %s, want failed", task.Status)
	}
	if task.LastError == nil || task.LastError.Kind != models.ErrKindTransient {
		t.Errorf("LastError = %+v", task.LastError)
	}

	cps, err := f.cps.List(checkpoint.ListFilter{TaskID: "t1", States: []checkpoint.State{checkpoint.StateFailed}})
	if err != nil || len(cps) != 1 {
		t.Errorf("failed checkpoints = %d (%v), want 1", len(cps), err)
	}
}

func TestPoolValidationFailure(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.addReady(t, "t1")
	f.tool.add("t1", &llm.Response{
		Text:         "claims a ghost file",
		CreatedFiles: []string{"does-not-exist.go"},
		TokensUsed:   5,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want failed", c.Outcome)
	}
	if c.Err.Kind != models.ErrKindValidation {
		t.Errorf("Kind = %v, want validation_failure", c.Err.Kind)
	}
}

func TestPoolSkipsLostReservation(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	// Task already running: the CAS from ready must fail.
	err := f.store.Put(&models.Task{
		ID: "t1", Title: "held elsewhere",
		Status: models.TaskStatusRunning, Priority: models.PriorityMedium,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeSkipped {
		t.Errorf("Outcome = %v, want skipped", c.Outcome)
	}
	if len(f.tool.callOrder()) != 0 {
		t.Error("tool must not be invoked for a lost reservation")
	}
}

func TestPoolBudgetDenialReleasesTask(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{
		TotalLimit:      100,
		EnforcementMode: config.EnforcementStrict,
		EstimatePerTask: 200,
	})
	f.addReady(t, "t1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeRequeued || !c.BudgetDenied {
		t.Fatalf("Completion = %+v, want requeued budget denial", c)
	}

	task, _ := f.store.Get("t1")
	if task.Status != models.TaskStatusReady {
		t.Errorf("Status = %s, want ready (released)", task.Status)
	}
	if task.Attempts != 0 {
		t.Errorf("Attempts = %d, a denied dispatch must not consume an attempt", task.Attempts)
	}
	if len(f.tool.callOrder()) != 0 {
		t.Error("tool must not be invoked when the budget refuses")
	}
}

func TestPoolSequentialWithOneWorker(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	for _, id := range []string{"a", "b", "c"} {
		f.addReady(t, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	for _, id := range []string{"a", "b", "c"} {
		if err := f.pool.Submit(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		c := waitCompletion(t, f.pool)
		if c.Outcome != OutcomeCompleted {
			t.Fatalf("completion %d: %+v", i, c)
		}
	}

	order := f.tool.callOrder()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("invocation order = %v, want [a b c]", order)
	}
}

func TestPoolSubmitBlocksWhenFull(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.tool.block = make(chan struct{})

	// Worker holds one task; the queue (cap 2) holds two more.
	for i := 0; i < 4; i++ {
		f.addReady(t, fmt.Sprintf("t%d", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	for i := 0; i < 3; i++ {
		if err := f.pool.Submit(ctx, fmt.Sprintf("t%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// The fourth submission must block, not drop.
	submitted := make(chan error, 1)
	go func() {
		submitted <- f.pool.Submit(ctx, "t3")
	}()

	select {
	case err := <-submitted:
		t.Fatalf("Submit returned %v while the queue was full; it must block", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Unblock the tool; the queue drains and the submission lands.
	close(f.tool.block)

	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("Submit after drain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit never unblocked after the queue drained")
	}
}

func TestPoolCancellationReturnsTaskToReady(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.tool.block = make(chan struct{})
	f.addReady(t, "t1")

	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	// Wait until the worker holds the task, then cancel the engine.
	deadline := time.Now().Add(2 * time.Second)
	for f.pool.RunningCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the task")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeRequeued || !c.Cancelled {
		t.Fatalf("Completion = %+v, want cancelled requeue", c)
	}

	task, _ := f.store.Get("t1")
	if task.Status != models.TaskStatusReady {
		t.Errorf("Status = %s, want ready after cancellation", task.Status)
	}
	if task.RetryContext == "" {
		t.Error("restored task should carry a retry context marker")
	}

	// A restored checkpoint must have been flushed.
	cps, err := f.cps.List(checkpoint.ListFilter{TaskID: "t1", States: []checkpoint.State{checkpoint.StateRestored}})
	if err != nil || len(cps) != 1 {
		t.Errorf("restored checkpoints = %d (%v), want 1", len(cps), err)
	}

	f.pool.Close()
	f.pool.Wait()
}

func TestPoolRetryAfterTransientFailure(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.addReady(t, "t1")
	f.tool.add("t1", nil, &llm.InvocationError{ExitCode: 1, Stderr: "connection reset"})
	f.tool.add("t1", &llm.Response{Text: "second time lucky", TokensUsed: 7}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeFailed {
		t.Fatalf("first attempt = %+v, want failure", c)
	}

	// The planner would transition failed -> ready and resubmit.
	if err := f.store.Transition("t1", models.TaskStatusFailed, models.TaskStatusReady, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	c = waitCompletion(t, f.pool)
	if c.Outcome != OutcomeCompleted {
		t.Fatalf("second attempt = %+v, want completion", c)
	}

	task, _ := f.store.Get("t1")
	if task.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", task.Attempts)
	}
	if task.LastError != nil {
		t.Error("LastError should be cleared on success")
	}
}

func TestPoolValidationFailureSkipsBreaker(t *testing.T) {
	f := newPoolFixture(t, 1, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.addReady(t, "t1")
	// Validation failures are retryable for the task but must not trip the
	// executor's transient-failure counter.
	f.tool.add("t1", &llm.Response{CreatedFiles: []string{"ghost.go"}, TokensUsed: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	c := waitCompletion(t, f.pool)
	if c.Outcome != OutcomeFailed {
		t.Fatalf("Completion = %+v", c)
	}

	states := f.pool.Snapshot()
	if states[0].ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 for validation failure", states[0].ConsecutiveFailures)
	}
}

func TestPoolErrorsIsConflictUnaffected(t *testing.T) {
	// Conflicts inside the store stay internal; they are never surfaced as
	// task errors by the pool.
	f := newPoolFixture(t, 2, config.BudgetConfig{EnforcementMode: config.EnforcementStrict})
	f.addReady(t, "t1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	// Submit the same id twice: one executor wins, the other skips.
	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := f.pool.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	outcomes := map[Outcome]int{}
	for i := 0; i < 2; i++ {
		c := waitCompletion(t, f.pool)
		outcomes[c.Outcome]++
		if c.Err != nil && c.Err.Kind == models.ErrKindConflict {
			t.Error("conflicts must stay internal")
		}
	}
	if outcomes[OutcomeCompleted] != 1 || outcomes[OutcomeSkipped] != 1 {
		t.Errorf("outcomes = %v, want one completed and one skipped", outcomes)
	}
}
