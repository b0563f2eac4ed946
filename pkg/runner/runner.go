// Package runner orchestrates one stage execution end to end: reuse check,
// device lease, workload run, state write, artifact upload, and result
// delivery. Submission is asynchronous; callers poll the status boundary or
// receive a callback.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strataml/gpucoord/pkg/artifacts"
	"github.com/strataml/gpucoord/pkg/dispatch"
	"github.com/strataml/gpucoord/pkg/lease"
	"github.com/strataml/gpucoord/pkg/stagecache"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

// ErrUnknownStage is returned when a submission names an unregistered stage.
var ErrUnknownStage = errors.New("runner: unknown stage")

// Config tunes the per-execution device lease.
type Config struct {
	// DeviceResource is the lease resource name, e.g. "gpu:0".
	DeviceResource string
	// LeaseTTL is the device lease duration, refreshed by keep-alive.
	LeaseTTL time.Duration
	// AcquireMaxWait bounds how long a queued execution waits for the device.
	AcquireMaxWait time.Duration
	// KeepAliveInterval is how often the lease is extended while running.
	KeepAliveInterval time.Duration
}

func (c *Config) defaults() {
	if c.DeviceResource == "" {
		c.DeviceResource = "gpu:0"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.AcquireMaxWait <= 0 {
		c.AcquireMaxWait = 30 * time.Minute
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = c.LeaseTTL / 3
	}
}

// SubmitRequest is one stage execution request.
type SubmitRequest struct {
	TaskID      string         `json:"task_id"`
	Stage       string         `json:"stage"`
	Input       map[string]any `json:"input"`
	SharedPath  string         `json:"shared_path,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

// SubmitResult is the synchronous answer to a submission.
type SubmitResult struct {
	TaskID string `json:"task_id"`
	// Status is "completed" when a reuse hit answered immediately, otherwise
	// "pending".
	Status string                 `json:"status"`
	Reuse  stagecache.ReuseInfo   `json:"reuse_info"`
	Record *taskstate.StageRecord `json:"stage,omitempty"`
}

// Runner ties the coordinator pieces together.
type Runner struct {
	cfg        Config
	registry   *stagecache.Registry
	cache      *stagecache.Coordinator
	tasks      *taskstate.Store
	leases     *lease.Manager
	uploader   *artifacts.Uploader
	dispatcher *dispatch.Dispatcher
	workloads  map[string]Workload
	logger     *slog.Logger

	mu       sync.Mutex
	inflight sync.WaitGroup
}

// New creates a runner. workloads maps stage names to their executors; a
// registered spec without a workload is rejected at submit time.
func New(cfg Config, registry *stagecache.Registry, cache *stagecache.Coordinator,
	tasks *taskstate.Store, leases *lease.Manager, uploader *artifacts.Uploader,
	dispatcher *dispatch.Dispatcher, workloads map[string]Workload, logger *slog.Logger) *Runner {

	cfg.defaults()
	if logger == nil {
		logger = slog.Default().With("component", "runner")
	}
	return &Runner{
		cfg:        cfg,
		registry:   registry,
		cache:      cache,
		tasks:      tasks,
		leases:     leases,
		uploader:   uploader,
		dispatcher: dispatcher,
		workloads:  workloads,
		logger:     logger,
	}
}

// Submit runs the reuse check and either answers from cache, reports an
// execution already in flight, or schedules a new execution. Scheduling is
// detached from the request context: an accepted execution survives the
// submitting connection.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	spec, ok := r.registry.Get(req.Stage)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, req.Stage)
	}
	workload, ok := r.workloads[req.Stage]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no workload bound", ErrUnknownStage, req.Stage)
	}
	if err := spec.ValidateInput(req.Input); err != nil {
		return nil, err
	}

	// Serializing submissions narrows the check-then-write race between
	// concurrent duplicates to cross-replica submissions only.
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.cache.Check(ctx, req.TaskID, spec, req.Input)
	if err != nil {
		return nil, err
	}

	switch res.Decision {
	case stagecache.DecisionHit:
		r.logger.InfoContext(ctx, "reuse hit, answering from cache",
			"task_id", req.TaskID, "stage", req.Stage)
		if req.CallbackURL != "" {
			r.deliverAsync(req, &res.Reuse)
		}
		return &SubmitResult{
			TaskID: req.TaskID,
			Status: "completed",
			Reuse:  res.Reuse,
			Record: res.Record,
		}, nil

	case stagecache.DecisionWait:
		r.logger.InfoContext(ctx, "execution already in flight",
			"task_id", req.TaskID, "stage", req.Stage, "state", res.Reuse.State)
		return &SubmitResult{
			TaskID: req.TaskID,
			Status: "pending",
			Reuse:  res.Reuse,
			Record: res.Record,
		}, nil

	default: // miss
		if req.SharedPath != "" {
			if err := r.tasks.SetSharedPath(ctx, req.TaskID, req.SharedPath); err != nil {
				return nil, err
			}
		}
		now := time.Now().UTC()
		pending := taskstate.StageRecord{
			Status:    taskstate.StatusPending,
			Input:     req.Input,
			UpdatedAt: now,
		}
		if _, err := r.tasks.MergeWrite(ctx, req.TaskID, req.Stage, pending); err != nil {
			return nil, err
		}

		r.inflight.Add(1)
		go r.execute(context.WithoutCancel(ctx), spec, workload, req)

		return &SubmitResult{
			TaskID: req.TaskID,
			Status: "pending",
			Reuse:  res.Reuse,
		}, nil
	}
}

// Status returns the full task document.
func (r *Runner) Status(ctx context.Context, taskID string) (*taskstate.TaskContext, error) {
	return r.tasks.Read(ctx, taskID)
}

// Remove deletes a task's uploaded artifacts and its document.
func (r *Runner) Remove(ctx context.Context, taskID string) error {
	tc, err := r.tasks.Read(ctx, taskID)
	if errors.Is(err, taskstate.ErrNotFound) {
		return err
	}
	if err != nil {
		return err
	}
	if err := r.uploader.RemoveOutputs(ctx, r.registry, tc); err != nil {
		return fmt.Errorf("runner: remove artifacts for %s: %w", taskID, err)
	}
	return r.tasks.Delete(ctx, taskID)
}

// Drain blocks until all in-flight executions and deliveries finish. Used
// for graceful shutdown and in tests.
func (r *Runner) Drain() {
	r.inflight.Wait()
}

// execute runs one stage under the device lease and records the outcome.
// ctx is detached from the submitting request.
func (r *Runner) execute(ctx context.Context, spec stagecache.Spec, workload Workload, req SubmitRequest) {
	defer r.inflight.Done()

	token, err := r.leases.Acquire(ctx, r.cfg.DeviceResource, r.cfg.LeaseTTL, r.cfg.AcquireMaxWait)
	if err != nil {
		// A queue timeout is a stage failure, not a crash: the record lets
		// the caller resubmit once the device frees up.
		r.finish(ctx, spec, req, nil, nil, fmt.Errorf("acquire device %s: %w", r.cfg.DeviceResource, err))
		return
	}
	defer func() { _ = r.leases.Release(ctx, r.cfg.DeviceResource, token) }()

	startedAt := time.Now().UTC()
	running := taskstate.StageRecord{
		Status:    taskstate.StatusRunning,
		Input:     req.Input,
		StartedAt: &startedAt,
		UpdatedAt: startedAt,
	}
	if _, err := r.tasks.MergeWrite(ctx, req.TaskID, req.Stage, running); err != nil {
		r.logger.ErrorContext(ctx, "running record write failed",
			"task_id", req.TaskID, "stage", req.Stage, "error", err)
	}

	lost, stopKeepAlive := r.leases.StartKeepAlive(ctx, r.cfg.DeviceResource, token,
		r.cfg.LeaseTTL, r.cfg.KeepAliveInterval)
	defer stopKeepAlive()

	// Abort the workload the moment the lease is reclaimed: another holder
	// may already own the device.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lost:
			cancel()
		case <-wctx.Done():
		}
	}()

	output, err := workload.Run(wctx, StageRequest{
		TaskID:     req.TaskID,
		Stage:      req.Stage,
		Input:      req.Input,
		SharedPath: req.SharedPath,
	})
	stopKeepAlive()

	select {
	case <-lost:
		err = fmt.Errorf("%w: evicted while running %s", lease.ErrLeaseLost, req.Stage)
	default:
	}

	r.finish(ctx, spec, req, &startedAt, output, err)
}

// finish writes the terminal record, syncs artifacts on success, and
// delivers the scoped payload to the callback if one was given.
func (r *Runner) finish(ctx context.Context, spec stagecache.Spec, req SubmitRequest,
	startedAt *time.Time, output map[string]any, runErr error) {

	finishedAt := time.Now().UTC()
	rec := taskstate.StageRecord{
		Input:      req.Input,
		StartedAt:  startedAt,
		FinishedAt: &finishedAt,
		UpdatedAt:  finishedAt,
	}
	if startedAt != nil {
		rec.DurationSeconds = finishedAt.Sub(*startedAt).Seconds()
	}

	if runErr != nil {
		rec.Status = taskstate.StatusFailed
		rec.Error = runErr.Error()
		r.logger.WarnContext(ctx, "stage failed",
			"task_id", req.TaskID, "stage", req.Stage, "error", runErr)
	} else {
		rec.Status = taskstate.StatusSuccess
		rec.Output = output
		if err := r.uploader.SyncOutputs(ctx, spec, &rec); err != nil {
			// The result stays usable through its local paths; the next
			// successful sync picks these artifacts up again.
			r.logger.ErrorContext(ctx, "artifact sync failed",
				"task_id", req.TaskID, "stage", req.Stage, "error", err)
		}
	}

	tc, err := r.tasks.MergeWrite(ctx, req.TaskID, req.Stage, rec)
	if err != nil {
		r.logger.ErrorContext(ctx, "terminal record write failed",
			"task_id", req.TaskID, "stage", req.Stage, "error", err)
		return
	}

	if req.CallbackURL != "" {
		r.deliver(ctx, tc, req, &stagecache.ReuseInfo{Stage: req.Stage})
	}
}

// deliverAsync serves a reuse hit's callback without blocking the submit
// path.
func (r *Runner) deliverAsync(req SubmitRequest, reuse *stagecache.ReuseInfo) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx := context.Background()
		tc, err := r.tasks.Read(ctx, req.TaskID)
		if err != nil {
			r.logger.WarnContext(ctx, "callback skipped, task read failed",
				"task_id", req.TaskID, "error", err)
			return
		}
		r.deliver(ctx, tc, req, reuse)
	}()
}

func (r *Runner) deliver(ctx context.Context, tc *taskstate.TaskContext, req SubmitRequest, reuse *stagecache.ReuseInfo) {
	payload, err := dispatch.BuildPayload(tc, req.Stage, reuse)
	if err != nil {
		r.logger.WarnContext(ctx, "callback skipped, payload build failed",
			"task_id", req.TaskID, "stage", req.Stage, "error", err)
		return
	}
	if err := r.dispatcher.Deliver(ctx, payload, req.CallbackURL); err != nil {
		// At-least-once with a ceiling: the result stays readable through
		// the status boundary.
		r.logger.WarnContext(ctx, "callback delivery gave up",
			"task_id", req.TaskID, "stage", req.Stage, "error", err)
	}
}
