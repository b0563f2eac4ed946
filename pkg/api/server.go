package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/strataml/gpucoord/pkg/dispatch"
	"github.com/strataml/gpucoord/pkg/lease"
	"github.com/strataml/gpucoord/pkg/limiter"
	"github.com/strataml/gpucoord/pkg/observability"
	"github.com/strataml/gpucoord/pkg/runner"
	"github.com/strataml/gpucoord/pkg/stagecache"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Server exposes task submission, task state, and device lock endpoints.
type Server struct {
	runner *runner.Runner
	leases *lease.Manager
	logger *slog.Logger

	// Obs, when set, traces requests and feeds RED metrics.
	Obs *observability.Provider

	// DefaultLockTTL applies when an acquire request omits ttl_seconds.
	DefaultLockTTL time.Duration
	// MaxLockWait caps how long an acquire request may block.
	MaxLockWait time.Duration
	// LockLimits, when set, supplies the live TTL default and wait ceiling
	// per request so lock limits follow configuration reloads. Nil falls
	// back to the static fields above.
	LockLimits func() (ttl, maxWait time.Duration)
}

func (s *Server) lockLimits() (time.Duration, time.Duration) {
	if s.LockLimits != nil {
		return s.LockLimits()
	}
	return s.DefaultLockTTL, s.MaxLockWait
}

// NewServer creates the HTTP boundary over the runner and lease manager.
func NewServer(r *runner.Runner, leases *lease.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{
		runner:         r,
		leases:         leases,
		logger:         logger,
		DefaultLockTTL: 10 * time.Minute,
		MaxLockWait:    5 * time.Minute,
	}
}

// Routes wires all endpoints onto a mux. Rate limiting and request ids are
// applied by Handler, not here, so tests can hit routes directly.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/locks/acquire", s.handleAcquire)
	mux.HandleFunc("POST /v1/locks/release", s.handleRelease)
	mux.HandleFunc("POST /v1/locks/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Handler returns the full middleware chain around Routes.
func (s *Server) Handler(limits limiter.Store, policy limiter.Policy) http.Handler {
	var h http.Handler = s.Routes()
	if limits != nil {
		h = RateLimit(limits, policy, s.logger)(h)
	}
	if s.Obs != nil {
		h = Observe(s.Obs)(h)
	}
	h = Logging(s.logger)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req runner.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.TaskID == "" || req.Stage == "" {
		WriteBadRequest(w, "Missing required fields: task_id, stage")
		return
	}

	res, err := s.runner.Submit(r.Context(), req)
	switch {
	case errors.Is(err, runner.ErrUnknownStage):
		WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, stagecache.ErrInvalidInput):
		// Schema rejections carry the stage name and offending field.
		WriteUnprocessable(w, err.Error())
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	status := http.StatusAccepted
	if res.Status == "completed" {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	tc, err := s.runner.Status(r.Context(), taskID)
	if errors.Is(err, taskstate.ErrNotFound) {
		WriteNotFound(w, "No such task: "+taskID)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	// ?stage= narrows the response to one stage, same shape as a callback.
	if stage := r.URL.Query().Get("stage"); stage != "" {
		payload, err := dispatch.BuildPayload(tc, stage, nil)
		if err != nil {
			WriteNotFound(w, "Task has no stage: "+stage)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	err := s.runner.Remove(r.Context(), taskID)
	if errors.Is(err, taskstate.ErrNotFound) {
		WriteNotFound(w, "No such task: "+taskID)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type acquireRequest struct {
	Resource       string `json:"resource"`
	TTLSeconds     int    `json:"ttl_seconds"`
	MaxWaitSeconds int    `json:"max_wait_seconds"`
}

type acquireResponse struct {
	Resource string `json:"resource"`
	Token    string `json:"token"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Resource == "" {
		WriteBadRequest(w, "Missing required field: resource")
		return
	}

	ttl, waitCeiling := s.lockLimits()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	maxWait := time.Duration(req.MaxWaitSeconds) * time.Second
	if maxWait <= 0 || maxWait > waitCeiling {
		maxWait = waitCeiling
	}

	token, err := s.leases.Acquire(r.Context(), req.Resource, ttl, maxWait)
	if errors.Is(err, lease.ErrAcquireTimeout) {
		WriteConflict(w, "Resource is held: "+req.Resource)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acquireResponse{Resource: req.Resource, Token: token})
}

type lockRequest struct {
	Resource   string `json:"resource"`
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Resource == "" || req.Token == "" {
		WriteBadRequest(w, "Missing required fields: resource, token")
		return
	}

	// Release with a stale token is already a logged no-op downstream.
	if err := s.leases.Release(r.Context(), req.Resource, req.Token); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Resource == "" || req.Token == "" {
		WriteBadRequest(w, "Missing required fields: resource, token")
		return
	}

	ttl, _ := s.lockLimits()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	if err := s.leases.Extend(r.Context(), req.Resource, req.Token, ttl); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			WriteConflict(w, "Lease lost: "+req.Resource)
			return
		}
		WriteInternal(w, err)
		return
	}
	if err := s.leases.RecordHeartbeat(r.Context(), req.Resource, req.Token); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			WriteConflict(w, "Lease lost: "+req.Resource)
			return
		}
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
