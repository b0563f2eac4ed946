package taskstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strataml/gpucoord/pkg/coordstore"
)

// ErrNotFound is returned by Read when no document exists for the task id.
var ErrNotFound = errors.New("taskstate: task not found")

func taskKey(taskID string) string { return "task:" + taskID }

// Store reads and merge-writes TaskContext documents.
type Store struct {
	kv     coordstore.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a task state store. ttl is the document retention,
// refreshed (never shortened) on every write.
func NewStore(kv coordstore.Store, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default().With("component", "taskstate")
	}
	return &Store{kv: kv, ttl: ttl, logger: logger}
}

// MergeWrite replaces only the entry at stages[stage] with rec and writes
// the document back with a refreshed TTL, creating an empty shell when the
// task is new.
//
// The read-modify-write is not atomic across writers for different stages
// of the same task: last writer wins at the document level. No stage entry
// is ever dropped, because each writer only sets its own key before writing
// back. That narrow race is accepted; see the package comment.
func (s *Store) MergeWrite(ctx context.Context, taskID, stage string, rec StageRecord) (*TaskContext, error) {
	tc, err := s.Read(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		tc = &TaskContext{
			TaskID:    taskID,
			CreatedAt: time.Now().UTC(),
			Stages:    make(map[string]StageRecord),
		}
	} else if err != nil {
		return nil, err
	}
	if tc.Stages == nil {
		tc.Stages = make(map[string]StageRecord)
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	tc.Stages[stage] = rec

	raw, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("taskstate marshal %s: %w", taskID, err)
	}
	if err := s.kv.Set(ctx, taskKey(taskID), string(raw), s.ttl); err != nil {
		return nil, fmt.Errorf("taskstate write %s: %w", taskID, err)
	}

	s.logger.DebugContext(ctx, "stage record written",
		"task_id", taskID, "stage", stage, "status", rec.Status)
	return tc, nil
}

// SetSharedPath records the task's shared scratch directory, creating the
// document shell if needed. A no-op when the path is already set.
func (s *Store) SetSharedPath(ctx context.Context, taskID, path string) error {
	tc, err := s.Read(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		tc = &TaskContext{
			TaskID:    taskID,
			CreatedAt: time.Now().UTC(),
			Stages:    make(map[string]StageRecord),
		}
	} else if err != nil {
		return err
	}
	if tc.SharedPath == path {
		return nil
	}
	tc.SharedPath = path

	raw, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("taskstate marshal %s: %w", taskID, err)
	}
	if err := s.kv.Set(ctx, taskKey(taskID), string(raw), s.ttl); err != nil {
		return fmt.Errorf("taskstate write %s: %w", taskID, err)
	}
	return nil
}

// SetError records a top-level task error without touching any stage entry.
func (s *Store) SetError(ctx context.Context, taskID, msg string) error {
	tc, err := s.Read(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		tc = &TaskContext{
			TaskID:    taskID,
			CreatedAt: time.Now().UTC(),
			Stages:    make(map[string]StageRecord),
		}
	} else if err != nil {
		return err
	}
	tc.Error = msg

	raw, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("taskstate marshal %s: %w", taskID, err)
	}
	if err := s.kv.Set(ctx, taskKey(taskID), string(raw), s.ttl); err != nil {
		return fmt.Errorf("taskstate write %s: %w", taskID, err)
	}
	return nil
}

// Read returns the current document for taskID, or ErrNotFound.
func (s *Store) Read(ctx context.Context, taskID string) (*TaskContext, error) {
	raw, err := s.kv.Get(ctx, taskKey(taskID))
	if errors.Is(err, coordstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("taskstate read %s: %w", taskID, err)
	}

	var tc TaskContext
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		return nil, fmt.Errorf("taskstate decode %s: %w", taskID, err)
	}
	return &tc, nil
}

// Delete removes the task document. This is the only sanctioned removal
// path; completion never implicitly deletes state.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := s.kv.Delete(ctx, taskKey(taskID)); err != nil {
		return fmt.Errorf("taskstate delete %s: %w", taskID, err)
	}
	return nil
}
