package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tbancroft/stampede/internal/checkpoint"
	"github.com/tbancroft/stampede/internal/store"
	"github.com/tbancroft/stampede/pkg/models"
)

// resume implements the startup protocol for tasks left running by a
// previous process. A fresh open checkpoint returns the task to ready with a
// restored marker; a stale or missing checkpoint fails the task. Either way,
// no task is ever left in running after startup.
func (e *Engine) resume() error {
	running := e.store.List(store.Filter{
		Statuses: []models.TaskStatus{models.TaskStatusRunning},
	})

	for _, task := range running {
		cp, err := e.cps.LatestOpen(task.ID)
		switch {
		case err == nil && time.Since(cp.UpdatedAt) < e.cfg.Checkpoint.StaleThreshold():
			if err := e.restoreTask(task, cp); err != nil {
				return err
			}
		case err != nil && errors.Is(err, checkpoint.ErrCorrupt):
			if err := e.failTask(task, models.ErrKindCorruptCheckpoint,
				fmt.Errorf("checkpoint for interrupted task failed verification")); err != nil {
				return err
			}
		default:
			if err := e.failTask(task, models.ErrKindStaleCheckpoint,
				fmt.Errorf("no fresh checkpoint for task interrupted by a previous run")); err != nil {
				return err
			}
		}
	}

	return nil
}

// restoreTask flushes a restored checkpoint and returns the task to ready.
func (e *Engine) restoreTask(task *models.Task, cp *checkpoint.Checkpoint) error {
	// Walk the crashed checkpoint into the restored state along the
	// permitted transitions.
	var err error
	switch cp.State {
	case checkpoint.StateCreated:
		if _, err = e.cps.Activate(cp.ID); err == nil {
			if _, err = e.cps.Fail(cp.ID, "interrupted by crash"); err == nil {
				_, err = e.cps.Restore(cp.ID)
			}
		}
	case checkpoint.StateActive:
		if _, err = e.cps.Fail(cp.ID, "interrupted by crash"); err == nil {
			_, err = e.cps.Restore(cp.ID)
		}
	case checkpoint.StateFailed:
		_, err = e.cps.Restore(cp.ID)
	case checkpoint.StateRestored:
		// Already marked by the interrupted run.
	}
	if err != nil {
		log.Printf("[engine] restore checkpoint %s: %v", cp.ID, err)
	}

	err = e.store.Transition(task.ID, models.TaskStatusRunning, models.TaskStatusReady, func(t *models.Task) {
		t.RetryContext = fmt.Sprintf("restored: resuming from checkpoint %s (step %d, %s)",
			cp.ID, cp.Step, cp.Description)
	})
	if err != nil {
		return fmt.Errorf("return interrupted task %s to ready: %w", task.ID, err)
	}

	e.progress.TaskTransition(task.ID, models.TaskStatusRunning, models.TaskStatusReady)
	log.Printf("[engine] task %s restored from checkpoint %s", task.ID, cp.ID)
	return nil
}

// failTask marks an unrecoverable interrupted task failed.
func (e *Engine) failTask(task *models.Task, kind models.ErrorKind, cause error) error {
	err := e.store.Transition(task.ID, models.TaskStatusRunning, models.TaskStatusFailed, func(t *models.Task) {
		t.LastError = models.NewTaskError(kind, t.Attempts, cause)
	})
	if err != nil {
		return fmt.Errorf("fail interrupted task %s: %w", task.ID, err)
	}

	e.progress.TaskTransition(task.ID, models.TaskStatusRunning, models.TaskStatusFailed)
	log.Printf("[engine] task %s failed on resume: %s", task.ID, kind)
	return nil
}
