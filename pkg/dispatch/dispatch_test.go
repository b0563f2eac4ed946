package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strataml/gpucoord/pkg/stagecache"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

func sampleContext() *taskstate.TaskContext {
	return &taskstate.TaskContext{
		TaskID:    "T1",
		CreatedAt: time.Now().UTC(),
		Stages: map[string]taskstate.StageRecord{
			"extract": {Status: taskstate.StatusSuccess, Output: map[string]any{"text": "hi"}},
			"diarize": {Status: taskstate.StatusRunning},
		},
	}
}

func TestBuildPayloadScopedToRequestedStage(t *testing.T) {
	tc := sampleContext()
	reuse := &stagecache.ReuseInfo{ReuseHit: true, Stage: "extract", Source: "task-state"}

	p, err := BuildPayload(tc, "extract", reuse)
	require.NoError(t, err)
	require.Equal(t, "T1", p.TaskID)
	require.Len(t, p.Stages, 1, "payload must carry only the requested stage")
	require.Contains(t, p.Stages, "extract")
	require.NotContains(t, p.Stages, "diarize")
	require.True(t, p.ReuseInfo.ReuseHit)
}

func TestBuildPayloadUnknownStage(t *testing.T) {
	_, err := BuildPayload(sampleContext(), "missing", nil)
	require.Error(t, err)
}

func TestDeliverPostsJSON(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{MaxTries: 2, InitialInterval: time.Millisecond})
	p, err := BuildPayload(sampleContext(), "extract", &stagecache.ReuseInfo{ReuseHit: false})
	require.NoError(t, err)

	require.NoError(t, d.Deliver(context.Background(), p, srv.URL))
	require.Equal(t, "T1", got.TaskID)
	require.Len(t, got.Stages, 1)
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{MaxTries: 5, InitialInterval: time.Millisecond})
	p, err := BuildPayload(sampleContext(), "extract", nil)
	require.NoError(t, err)

	require.NoError(t, d.Deliver(context.Background(), p, srv.URL))
	require.Equal(t, int32(3), calls.Load(), "at-least-once delivery retries until success")
}

func TestDeliverGivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{MaxTries: 3, InitialInterval: time.Millisecond})
	p, err := BuildPayload(sampleContext(), "extract", nil)
	require.NoError(t, err)

	err = d.Deliver(context.Background(), p, srv.URL)
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Equal(t, int32(3), calls.Load())
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{MaxTries: 5, InitialInterval: time.Millisecond})
	p, err := BuildPayload(sampleContext(), "extract", nil)
	require.NoError(t, err)

	err = d.Deliver(context.Background(), p, srv.URL)
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}
