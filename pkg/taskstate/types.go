// Package taskstate persists per-task execution state in the coordination
// store as one append-only document per task. Each stage of a task owns one
// record inside the document; writers merge their own stage entry and never
// replace the whole stages map, so concurrent stages cannot clobber each
// other.
package taskstate

import "time"

// Status is the lifecycle state of one stage execution.
type Status string

const (
	// StatusPending marks work that was accepted but not yet started.
	StatusPending Status = "PENDING"
	// StatusRunning marks work currently holding the device.
	StatusRunning Status = "RUNNING"
	// StatusSuccess marks work that finished and produced outputs.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed marks work that errored; Error carries the cause.
	StatusFailed Status = "FAILED"
)

// StageRecord is the persisted result of one stage execution. It transitions
// PENDING -> RUNNING -> SUCCESS/FAILED exactly once per physical execution;
// a cache reuse hit only reads an existing SUCCESS record.
type StageRecord struct {
	Status          Status         `json:"status"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TaskContext is the full document for one task id.
type TaskContext struct {
	TaskID     string                 `json:"task_id"`
	CreatedAt  time.Time              `json:"created_at"`
	SharedPath string                 `json:"shared_path,omitempty"`
	Stages     map[string]StageRecord `json:"stages"`
	Error      string                 `json:"error,omitempty"`
}

// Stage returns the record for name, if present.
func (tc *TaskContext) Stage(name string) (StageRecord, bool) {
	rec, ok := tc.Stages[name]
	return rec, ok
}
