package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPWorkload proxies stage execution to an out-of-process worker. The
// worker receives the StageRequest as JSON at POST <baseURL>/<stage> and
// answers with the stage's output map. No timeout is set on the client:
// accelerator jobs run for minutes and cancellation flows through the
// request context, which the runner cancels on lease loss.
type HTTPWorkload struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWorkload creates a workload proxy for the worker at baseURL.
func NewHTTPWorkload(baseURL string, client *http.Client) *HTTPWorkload {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPWorkload{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (w *HTTPWorkload) Run(ctx context.Context, req StageRequest) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("runner: marshal stage request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.baseURL+"/"+req.Stage, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runner: build worker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("runner: worker call %s: %w", req.Stage, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("runner: read worker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("runner: worker %s returned %d: %s",
			req.Stage, resp.StatusCode, truncate(string(raw), 256))
	}

	var output map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &output); err != nil {
			return nil, fmt.Errorf("runner: decode worker output: %w", err)
		}
	}
	return output, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
