package telemetry

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext attaches the telemetry instance and its logger to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.Zerolog().WithContext(ctx)
}

// FromTelemetryContext returns the telemetry attached to ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the dedicated metrics server, if configured.
func (t *Telemetry) StartMetricsServer() *http.Server {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext is one service operation: a span, a scoped logger
// and a timer. Without telemetry on the context it carries only the logger.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger zerolog.Logger
	Timer  *Timer

	metrics *Metrics
}

// StartResourceOperation begins an instrumented operation on one resource.
// Errors passed to End are also counted by class.
func StartResourceOperation(ctx context.Context, operation, resourceID string, kind engine.Kind) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: resourceLogger(*zerolog.Ctx(ctx), operation, resourceID, kind),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartResourceSpan(ctx, operation, resourceID, kind)
	logger := resourceLogger(tel.Logger.Zerolog(), operation, resourceID, kind)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With().Str("trace_id", sc.TraceID().String()).Logger()
	}
	return &InstrumentedContext{
		Ctx:     spanCtx,
		Span:    span,
		Logger:  logger,
		Timer:   NewTimer(),
		metrics: tel.Metrics,
	}
}

// Event records a milestone of the operation as a span event and logs it.
func (ic *InstrumentedContext) Event(name string, attrs ...attribute.KeyValue) {
	if ic.Span != nil {
		ic.Span.AddEvent(name, trace.WithAttributes(attrs...))
	}
	e := ic.Logger.Info()
	for _, a := range attrs {
		e = e.Str(string(a.Key), a.Value.Emit())
	}
	e.Msg(name)
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if err != nil && ic.metrics != nil {
		ic.metrics.RecordError(string(engine.ErrorClassOf(err)), engine.ErrorCode(err))
	}
	if ic.Span != nil {
		endSpan(ic.Span, err)
	}
}
