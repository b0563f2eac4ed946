package runner

import "context"

// StageRequest is what a workload receives for one execution.
type StageRequest struct {
	TaskID     string         `json:"task_id"`
	Stage      string         `json:"stage"`
	Input      map[string]any `json:"input"`
	SharedPath string         `json:"shared_path,omitempty"`
}

// Workload is an opaque long-running job bound to one stage name. The
// coordinator holds the device lease around Run and aborts it (via context
// cancellation) if the lease is lost. Implementations live outside this
// repository; they only see this boundary.
type Workload interface {
	Run(ctx context.Context, req StageRequest) (map[string]any, error)
}

// WorkloadFunc adapts a function to the Workload interface.
type WorkloadFunc func(ctx context.Context, req StageRequest) (map[string]any, error)

func (f WorkloadFunc) Run(ctx context.Context, req StageRequest) (map[string]any, error) {
	return f(ctx, req)
}
