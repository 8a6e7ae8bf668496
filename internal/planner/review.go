package planner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tbancroft/stampede/internal/event"
	"github.com/tbancroft/stampede/internal/executor"
	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

// reviewPass invokes the tool once with a summary prompt after the frontier
// drains. Follow-up tasks emitted under the header contract are appended to
// the store; anything malformed is rejected wholesale. Returns how many
// tasks were added.
func (p *Planner) reviewPass(ctx context.Context) (int, error) {
	if !p.cfg.ReviewEnabled || p.reviewDepth >= p.cfg.ReviewMaxDepth {
		return 0, nil
	}

	completed := p.deps.Store.List(store.Filter{Statuses: []models.TaskStatus{models.TaskStatusCompleted}})
	failed := p.deps.Store.List(store.Filter{Statuses: []models.TaskStatus{models.TaskStatusFailed}})
	if len(completed)+len(failed) == 0 {
		return 0, nil
	}

	// The review consumes budget like any invocation.
	if _, err := p.deps.Budget.Admit(reviewTaskID); err != nil {
		log.Printf("[planner] review pass skipped: %v", err)
		return 0, nil
	}

	p.deps.Events.Publish(event.Event{
		Type:      event.TypeReviewStarted,
		Timestamp: time.Now().UTC(),
	})

	ictx := ctx
	if p.cfg.ReviewTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, p.cfg.ReviewTimeout)
		defer cancel()
	}

	resp, err := p.deps.Tool.Invoke(ictx, llm.Request{
		TaskID:  reviewTaskID,
		Prompt:  executor.ReviewPrompt(completed, failed),
		WorkDir: p.cfg.WorkDir,
	})
	if err != nil {
		p.deps.Events.Publish(event.Event{
			Type:      event.TypeReviewCompleted,
			Message:   fmt.Sprintf("review failed: %v", err),
			Timestamp: time.Now().UTC(),
		})
		return 0, fmt.Errorf("review invocation: %w", err)
	}

	p.deps.Budget.Record(reviewTaskID, resp.TokensUsed)

	added, err := p.appendReviewTasks(resp.NewTasks)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		p.reviewDepth++
	}

	p.deps.Events.Publish(event.Event{
		Type:      event.TypeReviewCompleted,
		Message:   fmt.Sprintf("review emitted %d follow-up tasks", added),
		Timestamp: time.Now().UTC(),
	})

	return added, nil
}

// appendReviewTasks validates and inserts the emitted follow-up tasks.
// Dependencies must resolve against the store or the same batch; a spec
// that fails validation rejects the whole emission.
func (p *Planner) appendReviewTasks(specs []llm.TaskSpec) (int, error) {
	if len(specs) == 0 {
		return 0, nil
	}

	batch := make(map[string]bool, len(specs))
	for _, spec := range specs {
		batch[spec.ID] = true
	}

	var fresh []llm.TaskSpec
	for _, spec := range specs {
		if _, err := p.deps.Store.Get(spec.ID); err == nil {
			log.Printf("[planner] review re-emitted existing task %s, ignoring", spec.ID)
			continue
		}
		for _, depID := range spec.DependsOn {
			if batch[depID] {
				continue
			}
			if _, err := p.deps.Store.Get(depID); err != nil {
				return 0, fmt.Errorf("%w: review task %s depends on unknown task %s", llm.ErrProtocol, spec.ID, depID)
			}
		}
		fresh = append(fresh, spec)
	}

	now := time.Now().UTC()
	for _, spec := range fresh {
		task := &models.Task{
			ID:        spec.ID,
			Title:     spec.Title,
			Status:    models.TaskStatusPending,
			Priority:  models.PriorityMedium,
			DependsOn: spec.DependsOn,
			CreatedAt: now,
		}
		if err := p.deps.Store.Insert(task); err != nil {
			return 0, fmt.Errorf("insert review task %s: %w", spec.ID, err)
		}
		log.Printf("[planner] review added task %s (%s)", spec.ID, spec.Title)
	}

	return len(fresh), nil
}
