package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strataml/gpucoord/pkg/artifacts"
	"github.com/strataml/gpucoord/pkg/coordstore"
	"github.com/strataml/gpucoord/pkg/dispatch"
	"github.com/strataml/gpucoord/pkg/lease"
	"github.com/strataml/gpucoord/pkg/stagecache"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

type harness struct {
	runner *Runner
	tasks  *taskstate.Store
	kv     *coordstore.MemoryStore
	blobs  *artifacts.FileStore
}

func newHarness(t *testing.T, workloads map[string]Workload) *harness {
	t.Helper()

	kv := coordstore.NewMemoryStore()
	tasks := taskstate.NewStore(kv, time.Hour, nil)
	registry := stagecache.NewRegistry()
	require.NoError(t, RegisterBuiltins(registry))
	cache := stagecache.NewCoordinator(tasks, nil)
	leases := lease.NewManager(kv, lease.Options{
		BackoffInitial: 5 * time.Millisecond,
		BackoffCeiling: 20 * time.Millisecond,
	})
	blobs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	uploader := artifacts.NewUploader(blobs, nil)
	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		MaxTries:        2,
		InitialInterval: 5 * time.Millisecond,
	})

	cfg := Config{
		DeviceResource:    "gpu:test",
		LeaseTTL:          time.Second,
		AcquireMaxWait:    500 * time.Millisecond,
		KeepAliveInterval: 50 * time.Millisecond,
	}
	r := New(cfg, registry, cache, tasks, leases, uploader, dispatcher, workloads, nil)
	return &harness{runner: r, tasks: tasks, kv: kv, blobs: blobs}
}

func writeTempArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSubmitExecutesAndRecordsSuccess(t *testing.T) {
	artifactPath := writeTempArtifact(t, "hello transcript")
	h := newHarness(t, map[string]Workload{
		"transcribe": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return map[string]any{"transcript_path": artifactPath}, nil
		}),
	})

	ctx := context.Background()
	res, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1",
		Stage:  "transcribe",
		Input:  map[string]any{"audio_path": "/data/a.wav", "language": "en"},
	})
	require.NoError(t, err)
	require.Equal(t, "pending", res.Status)
	require.False(t, res.Reuse.ReuseHit)

	h.runner.Drain()

	tc, err := h.runner.Status(ctx, "t1")
	require.NoError(t, err)
	rec, ok := tc.Stage("transcribe")
	require.True(t, ok)
	require.Equal(t, taskstate.StatusSuccess, rec.Status)
	require.Equal(t, artifactPath, rec.Output["transcript_path"])
	ref, _ := rec.Output["transcript_path_url"].(string)
	require.True(t, artifacts.ValidRef(ref), "artifact should be uploaded and referenced")
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.FinishedAt)
}

func TestSecondSubmissionAnswersFromCache(t *testing.T) {
	artifactPath := writeTempArtifact(t, "transcript")
	var executions atomic.Int32
	h := newHarness(t, map[string]Workload{
		"transcribe": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			executions.Add(1)
			return map[string]any{"transcript_path": artifactPath}, nil
		}),
	})

	ctx := context.Background()
	input := map[string]any{"audio_path": "/data/a.wav"}

	_, err := h.runner.Submit(ctx, SubmitRequest{TaskID: "t1", Stage: "transcribe", Input: input})
	require.NoError(t, err)
	h.runner.Drain()

	res, err := h.runner.Submit(ctx, SubmitRequest{TaskID: "t1", Stage: "transcribe", Input: input})
	require.NoError(t, err)
	require.Equal(t, "completed", res.Status)
	require.True(t, res.Reuse.ReuseHit)
	require.NotNil(t, res.Record)
	require.Equal(t, taskstate.StatusSuccess, res.Record.Status)
	require.Equal(t, int32(1), executions.Load(), "cached result must not re-execute")
}

func TestConcurrentDuplicateRunsOnce(t *testing.T) {
	release := make(chan struct{})
	textPath := writeTempArtifact(t, "text")
	var executions atomic.Int32
	h := newHarness(t, map[string]Workload{
		"ocr": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			executions.Add(1)
			<-release
			return map[string]any{"text_path": textPath}, nil
		}),
	})

	ctx := context.Background()
	input := map[string]any{"image_path": "/data/scan.png"}

	first, err := h.runner.Submit(ctx, SubmitRequest{TaskID: "t1", Stage: "ocr", Input: input})
	require.NoError(t, err)
	require.Equal(t, "pending", first.Status)

	// Wait for the execution to reach RUNNING, then submit a duplicate.
	require.Eventually(t, func() bool {
		tc, err := h.tasks.Read(ctx, "t1")
		if err != nil {
			return false
		}
		rec, ok := tc.Stage("ocr")
		return ok && rec.Status == taskstate.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	second, err := h.runner.Submit(ctx, SubmitRequest{TaskID: "t1", Stage: "ocr", Input: input})
	require.NoError(t, err)
	require.Equal(t, "pending", second.Status)
	require.Equal(t, string(taskstate.StatusRunning), second.Reuse.State)

	close(release)
	h.runner.Drain()
	require.Equal(t, int32(1), executions.Load(), "duplicate submission must not start a second run")
}

func TestWorkloadErrorRecordsFailure(t *testing.T) {
	h := newHarness(t, map[string]Workload{
		"tts": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return nil, errors.New("voice model not loaded")
		}),
	})

	ctx := context.Background()
	_, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "tts", Input: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	h.runner.Drain()

	tc, err := h.runner.Status(ctx, "t1")
	require.NoError(t, err)
	rec, _ := tc.Stage("tts")
	require.Equal(t, taskstate.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "voice model not loaded")

	// A failed record is a miss: resubmission executes again.
	res, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "tts", Input: map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, "pending", res.Status)
	h.runner.Drain()
}

func TestDeviceBusyPastMaxWaitFailsStage(t *testing.T) {
	artifactPath := writeTempArtifact(t, "x")
	h := newHarness(t, map[string]Workload{
		"transcribe": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return map[string]any{"transcript_path": artifactPath}, nil
		}),
	})

	ctx := context.Background()
	// Occupy the device with a foreign holder for longer than AcquireMaxWait.
	_, err := h.kv.SetIfAbsent(ctx, "lease:gpu:test", "someone-else", 5*time.Second)
	require.NoError(t, err)

	_, err = h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "transcribe", Input: map[string]any{"audio_path": "/a.wav"},
	})
	require.NoError(t, err)
	h.runner.Drain()

	tc, err := h.runner.Status(ctx, "t1")
	require.NoError(t, err)
	rec, _ := tc.Stage("transcribe")
	require.Equal(t, taskstate.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "acquire device")
}

func TestLeaseLossAbortsWorkload(t *testing.T) {
	aborted := make(chan struct{})
	h := newHarness(t, map[string]Workload{
		"diarize": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			<-ctx.Done()
			close(aborted)
			return nil, ctx.Err()
		}),
	})

	ctx := context.Background()
	_, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "diarize", Input: map[string]any{"audio_path": "/a.wav"},
	})
	require.NoError(t, err)

	// Wait until the lease exists, then reclaim it out from under the holder.
	require.Eventually(t, func() bool {
		_, err := h.kv.Get(ctx, "lease:gpu:test")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.kv.Delete(ctx, "lease:gpu:test"))
	_, err = h.kv.SetIfAbsent(ctx, "lease:gpu:test", "usurper", time.Minute)
	require.NoError(t, err)

	select {
	case <-aborted:
	case <-time.After(3 * time.Second):
		t.Fatal("workload was not aborted after lease loss")
	}
	h.runner.Drain()

	tc, err := h.runner.Status(ctx, "t1")
	require.NoError(t, err)
	rec, _ := tc.Stage("diarize")
	require.Equal(t, taskstate.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "lease")

	require.NoError(t, h.kv.Delete(ctx, "lease:gpu:test"))
}

func TestCallbackReceivesScopedPayload(t *testing.T) {
	artifactPath := writeTempArtifact(t, "transcript")
	rttmPath := writeTempArtifact(t, "rttm")

	var mu sync.Mutex
	var payloads []dispatch.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p dispatch.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, map[string]Workload{
		"transcribe": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return map[string]any{"transcript_path": artifactPath}, nil
		}),
		"diarize": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return map[string]any{"rttm_path": rttmPath}, nil
		}),
	})

	ctx := context.Background()
	_, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "transcribe",
		Input:       map[string]any{"audio_path": "/a.wav"},
		CallbackURL: srv.URL,
	})
	require.NoError(t, err)
	h.runner.Drain()

	_, err = h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "diarize",
		Input:       map[string]any{"audio_path": "/a.wav"},
		CallbackURL: srv.URL,
	})
	require.NoError(t, err)
	h.runner.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 2)
	for _, p := range payloads {
		require.Equal(t, "t1", p.TaskID)
		require.Len(t, p.Stages, 1, "callback must carry only the requested stage")
	}
}

func TestReuseHitTriggersCallback(t *testing.T) {
	artifactPath := writeTempArtifact(t, "transcript")

	got := make(chan dispatch.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p dispatch.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		select {
		case got <- p:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, map[string]Workload{
		"transcribe": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return map[string]any{"transcript_path": artifactPath}, nil
		}),
	})

	ctx := context.Background()
	input := map[string]any{"audio_path": "/a.wav"}
	_, err := h.runner.Submit(ctx, SubmitRequest{TaskID: "t1", Stage: "transcribe", Input: input})
	require.NoError(t, err)
	h.runner.Drain()

	res, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "transcribe", Input: input, CallbackURL: srv.URL,
	})
	require.NoError(t, err)
	require.Equal(t, "completed", res.Status)
	h.runner.Drain()

	select {
	case p := <-got:
		require.NotNil(t, p.ReuseInfo)
		require.True(t, p.ReuseInfo.ReuseHit)
	case <-time.After(2 * time.Second):
		t.Fatal("reuse hit callback never arrived")
	}
}

func TestSubmitRejectsUnknownStageAndBadInput(t *testing.T) {
	h := newHarness(t, map[string]Workload{})

	ctx := context.Background()
	_, err := h.runner.Submit(ctx, SubmitRequest{TaskID: "t1", Stage: "upscale"})
	require.ErrorIs(t, err, ErrUnknownStage)

	// Registered spec but no workload bound.
	_, err = h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "transcribe", Input: map[string]any{"audio_path": "/a.wav"},
	})
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestSubmitValidatesInputSchema(t *testing.T) {
	h := newHarness(t, map[string]Workload{
		"transcribe": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return nil, nil
		}),
	})

	_, err := h.runner.Submit(context.Background(), SubmitRequest{
		TaskID: "t1", Stage: "transcribe",
		Input: map[string]any{"language": "en"}, // audio_path missing
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "audio_path")
}

func TestRemoveDeletesDocumentAndArtifacts(t *testing.T) {
	artifactPath := writeTempArtifact(t, "transcript body")
	h := newHarness(t, map[string]Workload{
		"transcribe": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			return map[string]any{"transcript_path": artifactPath}, nil
		}),
	})

	ctx := context.Background()
	_, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "transcribe", Input: map[string]any{"audio_path": "/a.wav"},
	})
	require.NoError(t, err)
	h.runner.Drain()

	tc, err := h.runner.Status(ctx, "t1")
	require.NoError(t, err)
	rec, _ := tc.Stage("transcribe")
	ref := rec.Output["transcript_path_url"].(string)
	exists, err := h.blobs.Exists(ctx, ref)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, h.runner.Remove(ctx, "t1"))

	_, err = h.runner.Status(ctx, "t1")
	require.ErrorIs(t, err, taskstate.ErrNotFound)
	exists, err = h.blobs.Exists(ctx, ref)
	require.NoError(t, err)
	require.False(t, exists, "uploaded blob should be deleted with the task")
}

func TestSharedPathPersistsOnDocument(t *testing.T) {
	textPath := writeTempArtifact(t, "t")
	h := newHarness(t, map[string]Workload{
		"ocr": WorkloadFunc(func(ctx context.Context, req StageRequest) (map[string]any, error) {
			if req.SharedPath != "/scratch/t1" {
				return nil, fmt.Errorf("shared path not propagated: %q", req.SharedPath)
			}
			return map[string]any{"text_path": textPath}, nil
		}),
	})

	ctx := context.Background()
	_, err := h.runner.Submit(ctx, SubmitRequest{
		TaskID: "t1", Stage: "ocr",
		Input:      map[string]any{"image_path": "/scan.png"},
		SharedPath: "/scratch/t1",
	})
	require.NoError(t, err)
	h.runner.Drain()

	tc, err := h.runner.Status(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "/scratch/t1", tc.SharedPath)
	rec, _ := tc.Stage("ocr")
	require.Equal(t, taskstate.StatusSuccess, rec.Status)
}

func TestHTTPWorkloadRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transcribe", r.URL.Path)
		var req StageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "t1", req.TaskID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"transcript_path": "/out/t.json"})
	}))
	defer srv.Close()

	w := NewHTTPWorkload(srv.URL, srv.Client())
	out, err := w.Run(context.Background(), StageRequest{
		TaskID: "t1", Stage: "transcribe", Input: map[string]any{"audio_path": "/a.wav"},
	})
	require.NoError(t, err)
	require.Equal(t, "/out/t.json", out["transcript_path"])
}

func TestHTTPWorkloadErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model OOM", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewHTTPWorkload(srv.URL, srv.Client())
	_, err := w.Run(context.Background(), StageRequest{TaskID: "t1", Stage: "tts"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
	require.Contains(t, err.Error(), "model OOM")
}
