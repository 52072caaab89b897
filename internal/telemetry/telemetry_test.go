package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())
}

func TestInitProfilingDisabled(t *testing.T) {
	shutdown, err := InitProfiling(ProfilingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown())
	assert.False(t, IsProfilingEnabled())
}

func TestInitProfilingRejectsUnknownProfileType(t *testing.T) {
	_, err := InitProfiling(ProfilingConfig{
		Enabled:      true,
		ServiceName:  "oncfsd",
		Endpoint:     "http://localhost:4040",
		ProfileTypes: []string{"not_a_real_type"},
	})
	assert.Error(t, err)
}

func TestTracerNeverReturnsNil(t *testing.T) {
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartCallSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartCallSpan(ctx, "NFSPROC3_READ", 100003, 3, 6)
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("boom"))
	})
}
