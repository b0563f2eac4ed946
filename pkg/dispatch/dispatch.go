// Package dispatch builds stage-scoped result payloads and delivers them to
// caller-supplied destinations. A payload carries exactly the stage the
// caller asked about, never the task's full stages map, so one caller can
// not see another stage's data through a callback. Delivery is at-least-
// once; a failed delivery is a logged warning, never a task failure,
// because the result stays readable through the status boundary.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/strataml/gpucoord/pkg/stagecache"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

// ErrDeliveryFailed wraps delivery errors after retries are exhausted.
var ErrDeliveryFailed = errors.New("dispatch: delivery failed")

// Payload is the scoped response/callback body.
type Payload struct {
	TaskID     string                             `json:"task_id"`
	CreatedAt  time.Time                          `json:"created_at"`
	SharedPath string                             `json:"shared_path,omitempty"`
	Error      string                             `json:"error,omitempty"`
	Stages     map[string]taskstate.StageRecord   `json:"stages"`
	ReuseInfo  *stagecache.ReuseInfo              `json:"reuse_info,omitempty"`
}

// BuildPayload narrows a full TaskContext to the single requested stage and
// attaches the reuse annotation.
func BuildPayload(tc *taskstate.TaskContext, stage string, reuse *stagecache.ReuseInfo) (*Payload, error) {
	rec, ok := tc.Stage(stage)
	if !ok {
		return nil, fmt.Errorf("dispatch: task %s has no stage %q", tc.TaskID, stage)
	}
	return &Payload{
		TaskID:     tc.TaskID,
		CreatedAt:  tc.CreatedAt,
		SharedPath: tc.SharedPath,
		Error:      tc.Error,
		Stages:     map[string]taskstate.StageRecord{stage: rec},
		ReuseInfo:  reuse,
	}, nil
}

// Options tunes delivery retries.
type Options struct {
	// MaxTries bounds delivery attempts per destination.
	MaxTries uint
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
	Client          *http.Client
	Logger          *slog.Logger
}

// Dispatcher posts payloads to HTTP destinations.
type Dispatcher struct {
	client   *http.Client
	logger   *slog.Logger
	maxTries uint
	initial  time.Duration
}

// NewDispatcher creates a dispatcher. Zero options fall back to defaults.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.MaxTries == 0 {
		opts.MaxTries = 4
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "dispatch")
	}
	return &Dispatcher{
		client:   opts.Client,
		logger:   opts.Logger,
		maxTries: opts.MaxTries,
		initial:  opts.InitialInterval,
	}
}

// Deliver posts the payload to destination, retrying transient failures.
// Client errors other than 408/429 are not retried: the destination
// understood the request and rejected it.
func (d *Dispatcher) Deliver(ctx context.Context, payload *Payload, destination string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload %s: %w", payload.TaskID, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initial

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := d.post(ctx, destination, body); err != nil {
			d.logger.WarnContext(ctx, "delivery attempt failed",
				"task_id", payload.TaskID, "destination", destination,
				"attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(d.maxTries))

	if err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrDeliveryFailed, payload.TaskID, destination, err)
	}
	d.logger.InfoContext(ctx, "result delivered",
		"task_id", payload.TaskID, "destination", destination, "attempts", attempt)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, destination string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("destination returned %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
