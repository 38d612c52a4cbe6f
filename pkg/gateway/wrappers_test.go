package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/cumulus/pkg/engine"
)

type recordedCall struct {
	operation, kind, status string
}

type callRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *callRecorder) RecordGatewayCall(operation, kind, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{operation, kind, status})
}

func TestRateLimitedHonoursContext(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	gw := NewRateLimited(sim, 0.001, 1)
	spec := &engine.VolumeSpec{Name: "v", SizeMiB: 1024}

	_, err := gw.Create(context.Background(), "tok-1", spec, nil)
	require.NoError(t, err, "the first call uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gw.Create(ctx, "tok-2", spec, nil)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.Equal(t, 1, sim.Calls())
}

func TestRateLimitedUnlimited(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	gw := NewRateLimited(sim, 0, 0)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := gw.Delete(ctx, "tok", engine.KindVolume, "gone")
		require.NoError(t, err)
	}
}

func TestInstrumentedRecordsCallsAndSpans(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	sim.FailOn(engine.OperationCreate, engine.KindVolume, "bad", "out of space")

	rec := &callRecorder{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	gw := NewInstrumented(sim, rec, tp.Tracer("test"))
	ctx := context.Background()

	h, err := gw.Create(ctx, "tok", &engine.VolumeSpec{Name: "bad", SizeMiB: 1024}, nil)
	require.NoError(t, err)
	res, err := gw.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, engine.PollFailed, res.Status)

	_, err = gw.Create(ctx, "tok-2", &engine.BackupSpec{InstanceID: "i-1"}, nil)
	require.Error(t, err)

	assert.Equal(t, []recordedCall{
		{"create", "volume", "ok"},
		{"poll", "volume", string(engine.ErrorClassRemoteFailed)},
		{"create", "backup", string(engine.ErrorClassValidation)},
	}, rec.calls)

	ended := spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "gateway.create", ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestInstrumentedWithoutObservers(t *testing.T) {
	gw := NewInstrumented(NewSimulator(SimulatorConfig{}), nil, nil)
	_, err := gw.Delete(context.Background(), "tok", engine.KindSnapshot, "s-1")
	require.NoError(t, err)
}
