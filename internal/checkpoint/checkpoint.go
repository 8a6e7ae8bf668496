// Package checkpoint provides durable per-step snapshots of task execution.
// Each checkpoint is one file under a root directory partitioned by state,
// plus an append-only index mapping task id to its ordered checkpoint ids.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// State represents the lifecycle state of a checkpoint.
type State string

const (
	// StateCreated is the initial state after Create.
	StateCreated State = "created"
	// StateActive indicates the executor is working under this checkpoint.
	StateActive State = "active"
	// StateCompleted indicates the step finished successfully.
	StateCompleted State = "completed"
	// StateFailed indicates the step failed.
	StateFailed State = "failed"
	// StateRestored indicates a failed checkpoint was picked up for resume.
	StateRestored State = "restored"
)

// Valid returns true if the state is a known value.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateActive, StateCompleted, StateFailed, StateRestored:
		return true
	default:
		return false
	}
}

// Open reports whether the checkpoint may still make progress.
func (s State) Open() bool {
	return s == StateCreated || s == StateActive || s == StateRestored
}

// CanTransition reports whether from -> to is a permitted state change.
// The permitted set: created->active, active->completed, active->failed,
// failed->restored, restored->active.
func CanTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateActive
	case StateActive:
		return to == StateCompleted || to == StateFailed
	case StateFailed:
		return to == StateRestored
	case StateRestored:
		return to == StateActive
	default:
		return false
	}
}

// Checkpoint is a durable snapshot of one task execution step.
type Checkpoint struct {
	// ID has the form cp_{task_id}_{step}_{timestamp}.
	ID string `json:"checkpoint_id"`
	// TaskID is the owning task.
	TaskID string `json:"task_id"`
	// Step is the 1-based step number within the task.
	Step int `json:"step_number"`
	// TotalSteps is the expected step count, when known.
	TotalSteps int `json:"total_steps,omitempty"`
	// Description names the step.
	Description string `json:"step_description"`
	// State is the lifecycle state.
	State State `json:"state"`
	// Data is the opaque payload captured by the executor.
	Data map[string]any `json:"data,omitempty"`
	// Checksum covers the content fields; verified on load.
	Checksum string `json:"checksum"`
	// ParentID links to the preceding checkpoint, if any.
	ParentID string `json:"parent_checkpoint_id,omitempty"`
	// CreatedAt is when the checkpoint was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is bumped on every state or data change.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID builds a checkpoint id for a task step at the given time.
func NewID(taskID string, step int, at time.Time) string {
	return fmt.Sprintf("cp_%s_%d_%d", taskID, step, at.Unix())
}

// computeChecksum hashes the content fields of a checkpoint. The state and
// timestamps are excluded so lifecycle changes do not invalidate the sum.
func computeChecksum(c *Checkpoint) (string, error) {
	payload := struct {
		TaskID      string         `json:"task_id"`
		Step        int            `json:"step"`
		Description string         `json:"description"`
		Data        map[string]any `json:"data,omitempty"`
	}{c.TaskID, c.Step, c.Description, canonicalData(c.Data)}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("checksum payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalData returns the data map with deterministic key order under
// encoding/json (maps already marshal with sorted keys; nested maps too).
// Kept as a seam in case the payload type ever changes.
func canonicalData(data map[string]any) map[string]any {
	return data
}

// Seal recomputes and stores the checksum.
func (c *Checkpoint) Seal() error {
	sum, err := computeChecksum(c)
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// VerifyChecksum recomputes the checksum and compares it to the stored value.
func (c *Checkpoint) VerifyChecksum() error {
	sum, err := computeChecksum(c)
	if err != nil {
		return err
	}
	if sum != c.Checksum {
		return fmt.Errorf("%w: %s", ErrCorrupt, c.ID)
	}
	return nil
}

// sortByCreation orders checkpoints oldest first, id as tiebreak.
func sortByCreation(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if !cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
		return cps[i].ID < cps[j].ID
	})
}
