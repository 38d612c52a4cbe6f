package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/cumulus/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := ProductionConfig().Validate(); err == nil {
		t.Error("production config without an otlp endpoint should be invalid")
	}

	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sampling rate above 1")
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordAdmission("volume", "allowed")
	m.RecordGatewayCall("create", "volume", "ok", time.Second)
	m.ObserveTransition(context.Background(), &engine.ManagedResource{}, &engine.TransitionRecord{})
	m.SetQueueDepth(3)
	if m.Registry() != nil {
		t.Error("disabled metrics should not expose a registry")
	}
	if m.StartMetricsServer() != nil {
		t.Error("disabled metrics should not start a server")
	}
}

func TestMetricsRecordsDomainEvents(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}

	m.RecordAdmission("instance", "allowed")
	m.RecordAdmission("instance", "allowed")
	m.RecordAdmission("instance", "concurrency_exceeded")
	if got := testutil.ToFloat64(m.admissions.WithLabelValues("instance", "allowed")); got != 2 {
		t.Errorf("allowed admissions = %v, want 2", got)
	}

	m.RecordGatewayCall("poll", "volume", "ok", 20*time.Millisecond)
	if got := testutil.ToFloat64(m.gatewayCalls.WithLabelValues("poll", "volume", "ok")); got != 1 {
		t.Errorf("gateway calls = %v, want 1", got)
	}

	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	backup := &engine.ManagedResource{
		ID:                 "b-1",
		Kind:               engine.KindBackup,
		State:              engine.StateErred,
		Operation:          engine.OperationCreate,
		OperationStartedAt: &started,
	}
	m.ObserveTransition(context.Background(), backup, &engine.TransitionRecord{
		ResourceID: "b-1",
		Kind:       engine.KindBackup,
		From:       engine.StateCreating,
		To:         engine.StateErred,
		At:         started.Add(time.Minute),
	})
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("backup", "creating", "erred")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.erred.WithLabelValues("backup", "create")); got != 1 {
		t.Errorf("erred = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.backups.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed backups = %v, want 1", got)
	}

	m.SetQueueDepth(7)
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordAdmission("snapshot", "quota_exceeded")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `cumulus_admissions_total{decision="quota_exceeded",kind="snapshot"} 1`) {
		t.Errorf("admission counter missing from output:\n%s", rec.Body.String())
	}
}

func TestWatchQueueDepthStopsWithContext(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.WatchQueueDepth(ctx, time.Millisecond, func() int { return 4 })
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchQueueDepth did not return after cancel")
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
}

type memorySink struct {
	mu     sync.Mutex
	events []*engine.Event
	err    error
}

func (s *memorySink) AppendEvent(_ context.Context, event *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		MaxBatchSize:  50,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	sink := &memorySink{}
	ep.PersistTo(sink, zerolog.Nop())

	for i := 0; i < 10; i++ {
		if err := ep.Publish(context.Background(), &engine.Event{
			Type:       engine.EventTypeResourceAdmitted,
			ResourceID: "vol-1",
			Tenant:     "t1",
		}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if sink.len() != 10 {
		t.Fatalf("persisted %d events, want 10", sink.len())
	}
	first := sink.events[0]
	if first.ID == "" || first.Timestamp.IsZero() {
		t.Error("publisher should assign an id and a timestamp")
	}
	if first.Level != EventLevelInfo {
		t.Errorf("level = %q, want %q", first.Level, EventLevelInfo)
	}

	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeResourceAdmitted}); err == nil {
		t.Error("publishing after shutdown should fail")
	}
}

func TestEventPublisherFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	ep.AddFilter(FilterByTenant("t1"))

	var got []engine.EventType
	ep.Subscribe(func(e engine.Event) { got = append(got, e.Type) },
		FilterByType(engine.EventTypeBackupCompleted, engine.EventTypeBackupFailed))

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeBackupCompleted, Tenant: "t1"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeBackupFailed, Tenant: "t2"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeResourceChanged, Tenant: "t1"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeBackupFailed, Tenant: "t1"})

	if len(got) != 2 || got[0] != engine.EventTypeBackupCompleted || got[1] != engine.EventTypeBackupFailed {
		t.Errorf("delivered %v", got)
	}
}

func TestPersistToLogsSinkErrors(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	var buf strings.Builder
	ep.PersistTo(&memorySink{err: errors.New("disk full")}, zerolog.New(&buf))

	_ = ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeResourceRemoved, ResourceID: "i-1"})
	if !strings.Contains(buf.String(), "disk full") {
		t.Errorf("sink error not logged: %s", buf.String())
	}
}

func TestStartResourceOperationWithoutTelemetry(t *testing.T) {
	ctx := context.Background()
	ic := StartResourceOperation(ctx, "cancel", "vol-1", engine.KindVolume)
	if ic.Ctx != ctx {
		t.Error("context should be returned unchanged without telemetry")
	}
	if ic.Span != nil {
		t.Error("no span expected without telemetry")
	}
	ic.End(errors.New("boom"))
}

func TestStartResourceOperationRecordsErrorClass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("telemetry not attached to context")
	}

	ic := StartResourceOperation(ctx, "admit", "i-1", engine.KindInstance)
	ic.End(engine.NewAdmissionDeniedError(engine.ErrCodeQuotaExceeded, "quota exceeded"))

	if got := testutil.ToFloat64(tel.Metrics.errorsByClass.WithLabelValues(string(engine.ErrorClassAdmissionDenied))); got != 1 {
		t.Errorf("errors by class = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodeQuotaExceeded)); got != 1 {
		t.Errorf("errors by code = %v, want 1", got)
	}
}

func TestNewLoggerAppliesLevelAndSampling(t *testing.T) {
	var buf strings.Builder
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"
	cfg.EnableSampling = true
	cfg.SamplingInitial = 1
	cfg.SamplingThereafter = 1000
	zlog := newLogger(&buf, cfg).Zerolog()

	zlog.Info().Msg("dropped by level")
	for i := 0; i < 3; i++ {
		zlog.Warn().Msg("poll failed")
	}
	zlog.Error().Msg("create failed")

	out := buf.String()
	if strings.Contains(out, "dropped by level") {
		t.Errorf("info logged at warn level: %s", out)
	}
	if got := strings.Count(out, "poll failed"); got != 3 {
		t.Errorf("warnings logged %d times, want 3 (only info and below are sampled)", got)
	}
	if !strings.Contains(out, "create failed") {
		t.Errorf("error not logged: %s", out)
	}
}

func TestConfigValidateRejectsZeroSamplingRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.EnableSampling = true
	cfg.Logging.SamplingThereafter = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sampling without a rate")
	}
}

func TestInstrumentedContextRecordsEvents(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	var buf strings.Builder
	tel := &Telemetry{
		Logger:  newLogger(&buf, LoggingConfig{Level: "info", Format: "json"}),
		Tracer:  &Tracer{provider: provider, tracer: provider.Tracer("test")},
		Metrics: &Metrics{},
	}

	ic := StartResourceOperation(tel.WithContext(context.Background()), "admit_intent", "", engine.KindVolume)
	ic.Event("Intent admitted", AttrTenant.String("demo"), AttrResourceID.String("vol-1"))
	ic.End(nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "resource.admit_intent" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("span status = %v, want ok", span.Status().Code)
	}
	for _, a := range span.Attributes() {
		if a.Key == AttrResourceID {
			t.Errorf("empty resource id recorded on span")
		}
	}
	if events := span.Events(); len(events) != 1 || events[0].Name != "Intent admitted" {
		t.Errorf("span events = %+v", events)
	}

	out := buf.String()
	for _, want := range []string{`"operation":"admit_intent"`, `"kind":"volume"`, `"tenant":"demo"`, `"resource.id":"vol-1"`, `"trace_id"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}

func TestEndSpanTagsErrorClass(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := &Tracer{provider: provider, tracer: provider.Tracer("test")}

	_, span := tr.StartResourceSpan(context.Background(), "cancel", "vol-1", engine.KindVolume)
	endSpan(span, engine.NewAdmissionDeniedError(engine.ErrCodeQuotaExceeded, "quota exceeded"))

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", ended[0].Status().Code)
	}
	attrs := make(map[attribute.Key]string)
	for _, a := range ended[0].Attributes() {
		attrs[a.Key] = a.Value.Emit()
	}
	if attrs[AttrErrorClass] != string(engine.ErrorClassAdmissionDenied) {
		t.Errorf("error class = %q", attrs[AttrErrorClass])
	}
	if attrs[AttrErrorCode] != engine.ErrCodeQuotaExceeded {
		t.Errorf("error code = %q", attrs[AttrErrorCode])
	}
	if attrs[AttrResourceID] != "vol-1" {
		t.Errorf("resource id = %q", attrs[AttrResourceID])
	}
}
