package stagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strataml/gpucoord/pkg/taskstate"
)

// Decision is the outcome of a reuse check.
type Decision int

const (
	// DecisionMiss: no usable prior record; the caller should execute.
	DecisionMiss Decision = iota
	// DecisionWait: a prior execution is pending or running; the caller
	// must not schedule new work and must not write any record.
	DecisionWait
	// DecisionHit: a trusted SUCCESS record exists; reuse its output.
	DecisionHit
)

func (d Decision) String() string {
	switch d {
	case DecisionHit:
		return "hit"
	case DecisionWait:
		return "wait"
	default:
		return "miss"
	}
}

// ReuseInfo annotates responses and callbacks with the reuse outcome. It is
// derived per request and never written back into the task document.
type ReuseInfo struct {
	ReuseHit bool       `json:"reuse_hit"`
	Stage    string     `json:"stage_name,omitempty"`
	Source   string     `json:"source,omitempty"`
	CachedAt *time.Time `json:"cached_at,omitempty"`
	State    string     `json:"state,omitempty"`
}

// Result carries the decision plus the record it was based on, if any.
type Result struct {
	Decision Decision
	Record   *taskstate.StageRecord
	Reuse    ReuseInfo
}

// Coordinator evaluates the reuse decision table against the task state
// store.
type Coordinator struct {
	tasks  *taskstate.Store
	logger *slog.Logger
}

// NewCoordinator creates a cache coordinator over the task state store.
func NewCoordinator(tasks *taskstate.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default().With("component", "stagecache")
	}
	return &Coordinator{tasks: tasks, logger: logger}
}

// Check applies the decision table to the existing record for
// (taskID, spec.Name):
//
//	absent                          -> MISS
//	PENDING or RUNNING              -> WAIT
//	SUCCESS, required outputs ok    -> HIT
//	SUCCESS, required outputs bad   -> MISS (stale record, logged)
//	FAILED                          -> MISS
//
// On MISS the caller writes a PENDING record before starting work. The
// window between this check and that write is a narrow, accepted race;
// closing it would need a second atomic primitive.
func (c *Coordinator) Check(ctx context.Context, taskID string, spec Spec, input map[string]any) (Result, error) {
	key, err := CacheKey(spec, input)
	if err != nil {
		return Result{}, err
	}

	tc, err := c.tasks.Read(ctx, taskID)
	if errors.Is(err, taskstate.ErrNotFound) {
		return Result{Decision: DecisionMiss, Reuse: ReuseInfo{Stage: spec.Name}}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("stagecache check %s/%s: %w", taskID, spec.Name, err)
	}

	rec, ok := tc.Stage(spec.Name)
	if !ok {
		return Result{Decision: DecisionMiss, Reuse: ReuseInfo{Stage: spec.Name}}, nil
	}

	switch rec.Status {
	case taskstate.StatusPending, taskstate.StatusRunning:
		return Result{
			Decision: DecisionWait,
			Record:   &rec,
			Reuse: ReuseInfo{
				Stage: spec.Name,
				State: string(rec.Status),
			},
		}, nil

	case taskstate.StatusSuccess:
		if missing := missingOutputs(spec, rec.Output); len(missing) > 0 {
			// Stale record: a SUCCESS without its required outputs is
			// recovered transparently by re-running, never surfaced as a
			// hard error.
			c.logger.WarnContext(ctx, "stale success record, treating as miss",
				"task_id", taskID, "stage", spec.Name,
				"cache_key", key, "missing_outputs", missing)
			return Result{Decision: DecisionMiss, Reuse: ReuseInfo{Stage: spec.Name, State: "stale"}}, nil
		}
		return Result{
			Decision: DecisionHit,
			Record:   &rec,
			Reuse: ReuseInfo{
				ReuseHit: true,
				Stage:    spec.Name,
				Source:   "task-state",
				CachedAt: rec.FinishedAt,
			},
		}, nil

	default: // FAILED or unknown
		return Result{Decision: DecisionMiss, Reuse: ReuseInfo{Stage: spec.Name}}, nil
	}
}

// missingOutputs returns the required output fields that are absent or
// empty on the record.
func missingOutputs(spec Spec, output map[string]any) []string {
	var missing []string
	for _, field := range spec.RequiredOutputFields {
		v, ok := output[field]
		if !ok || isEmpty(v) {
			missing = append(missing, field)
		}
	}
	return missing
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}
