package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/strataml/gpucoord/pkg/limiter"
	"github.com/strataml/gpucoord/pkg/observability"
)

// RequestID assigns every request an id, echoed on the response and kept in
// the header for downstream handlers and problem responses.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// RateLimit enforces a per-client token bucket through the shared limiter
// store. Limiter backend failures fail open: coordination availability wins
// over throttling precision.
func RateLimit(store limiter.Store, policy limiter.Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := store.Allow(r.Context(), clientAddr(r), policy, 1)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable, failing open", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Observe traces every request and feeds the RED metrics. A 5xx counts as
// an operation error; 4xx is the client's problem.
func Observe(obs *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, done := obs.TrackOperation(r.Context(), "http.request",
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path))
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))
			var err error
			if sw.status >= 500 {
				err = fmt.Errorf("status %d", sw.status)
			}
			done(err)
		})
	}
}

// Logging records one line per request with latency and status.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.InfoContext(r.Context(), "request",
				"method", r.Method, "path", r.URL.Path,
				"status", sw.status, "duration_ms", time.Since(start).Milliseconds(),
				"request_id", w.Header().Get("X-Request-ID"))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func clientAddr(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
