package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every helper must be safe without initialized providers.
	p.RecordRequest(ctx)
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, 0)

	opCtx, done := p.TrackOperation(ctx, "lease.acquire",
		attribute.String("resource", "gpu:0"))
	require.NotNil(t, opCtx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "gpucoord", cfg.ServiceName)
	require.True(t, cfg.Enabled)
	require.InDelta(t, 1.0, cfg.SampleRate, 0.0001)
}

func TestTracerAndMeterFallBackToGlobals(t *testing.T) {
	p := &Provider{}
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}
