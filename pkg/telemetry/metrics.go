package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// Metrics provides Prometheus metrics for the lifecycle engine.
type Metrics struct {
	config MetricsConfig

	// Admission metrics
	admissions *prometheus.CounterVec

	// Lifecycle metrics
	transitions   *prometheus.CounterVec
	erred         *prometheus.CounterVec
	operationTime *prometheus.HistogramVec

	// Gateway metrics
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Backup metrics
	backups *prometheus.CounterVec

	queueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Admission decisions by resource kind",
			},
			[]string{"kind", "decision"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Committed resource state transitions",
			},
			[]string{"kind", "from", "to"},
		),
		erred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_erred_total",
				Help:      "Resources that entered the Erred state",
			},
			[]string{"kind", "operation"},
		),
		operationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time from operation acceptance to a stable state",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"kind", "operation"},
		),

		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Remote operation gateway calls",
			},
			[]string{"operation", "kind", "status"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Duration of remote operation gateway calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_total",
				Help:      "Finished backups by outcome",
			},
			[]string{"outcome"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Resources waiting for an orchestrator worker",
			},
		),
	}

	registry.MustRegister(
		m.admissions,
		m.transitions,
		m.erred,
		m.operationTime,
		m.gatewayCalls,
		m.gatewayDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.backups,
		m.queueDepth,
	)

	return m, nil
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordAdmission records an admission decision. It satisfies quota.Recorder.
func (m *Metrics) RecordAdmission(kind, decision string) {
	if m.admissions == nil {
		return
	}
	m.admissions.WithLabelValues(kind, decision).Inc()
}

// RecordGatewayCall records one gateway call. It satisfies gateway.CallRecorder.
func (m *Metrics) RecordGatewayCall(operation, kind, status string, duration time.Duration) {
	if m.gatewayCalls == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(operation, kind, status).Inc()
	m.gatewayDuration.WithLabelValues(operation, kind).Observe(duration.Seconds())
}

// ObserveTransition is an engine.TransitionHook that counts committed
// transitions and times operations that reach a stable state.
func (m *Metrics) ObserveTransition(_ context.Context, r *engine.ManagedResource, rec *engine.TransitionRecord) {
	if m.transitions == nil || rec == nil {
		return
	}
	m.transitions.WithLabelValues(string(rec.Kind), string(rec.From), string(rec.To)).Inc()

	if !rec.From.IsInFlight() || rec.To.IsInFlight() {
		return
	}
	if rec.To == engine.StateErred {
		m.erred.WithLabelValues(string(r.Kind), string(r.Operation)).Inc()
	}
	if r.OperationStartedAt != nil {
		m.operationTime.WithLabelValues(string(r.Kind), string(r.Operation)).
			Observe(rec.At.Sub(*r.OperationStartedAt).Seconds())
	}
	if r.Kind == engine.KindBackup && rec.From == engine.StateCreating {
		outcome := "succeeded"
		if rec.To == engine.StateErred {
			outcome = "failed"
		}
		m.backups.WithLabelValues(outcome).Inc()
	}
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// SetQueueDepth sets the current orchestrator queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// WatchQueueDepth samples depth every interval until ctx is done.
func (m *Metrics) WatchQueueDepth(ctx context.Context, interval time.Duration, depth func() int) {
	if m.queueDepth == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.SetQueueDepth(depth())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the dedicated listen address, if any.
// The returned server is nil when there is nothing to serve.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}
