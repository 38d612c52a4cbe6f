// Package telemetry provides observability for the cumulus service.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an event publisher for resource
// state changes.
//
// # Usage
//
// Initialize telemetry at startup and hand its parts to the engine:
//
//	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch.SetEventPublisher(tel.Events)
//	orch.AddHook(tel.Metrics.ObserveTransition)
//	admitter.SetRecorder(tel.Metrics)
//	tel.Events.PersistTo(store, logger)
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace:
//
//   - admissions_total{kind,decision}
//   - transitions_total{kind,from,to}
//   - resources_erred_total{kind,operation}
//   - operation_duration_seconds{kind,operation}
//   - gateway_calls_total{operation,kind,status}
//   - gateway_call_duration_seconds{operation,kind}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//   - backups_total{outcome}
//   - queue_depth
//
// # Events
//
// EventPublisher implements engine.EventPublisher. In async mode events are
// buffered and delivered in batches; subscribers run in publish order on a
// single goroutine, so a slow subscriber delays the others. PersistTo
// subscribes the durable store so the event log survives restarts.
//
// # Tracing
//
// Exporters are "stdout", "otlp" (gRPC) and "none". StartResourceOperation
// opens a span for one resource operation, records milestones as span events
// through Event and tags the span with the error class when the operation
// fails.
package telemetry
