package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// CallRecorder receives one observation per gateway call.
type CallRecorder interface {
	RecordGatewayCall(operation, kind, status string, duration time.Duration)
}

// Instrumented records metrics and a span for every call to the wrapped gateway.
type Instrumented struct {
	next     engine.Gateway
	recorder CallRecorder
	tracer   trace.Tracer
}

var _ engine.Gateway = (*Instrumented)(nil)

// NewInstrumented wraps next. Either recorder or tracer may be nil.
func NewInstrumented(next engine.Gateway, recorder CallRecorder, tracer trace.Tracer) *Instrumented {
	return &Instrumented{next: next, recorder: recorder, tracer: tracer}
}

func (i *Instrumented) observe(ctx context.Context, operation string, kind engine.Kind, fn func(context.Context) error) {
	start := time.Now()
	var span trace.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "gateway."+operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("gateway.operation", operation),
				attribute.String("resource.kind", string(kind)),
			))
	}

	err := fn(ctx)

	status := "ok"
	if err != nil {
		status = string(engine.ErrorClassOf(err))
	}
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	if i.recorder != nil {
		i.recorder.RecordGatewayCall(operation, string(kind), status, time.Since(start))
	}
}

func (i *Instrumented) Create(ctx context.Context, token string, spec engine.Spec, refs map[string]string) (h *engine.OperationHandle, err error) {
	i.observe(ctx, "create", spec.Kind(), func(ctx context.Context) error {
		h, err = i.next.Create(ctx, token, spec, refs)
		return err
	})
	return h, err
}

func (i *Instrumented) Delete(ctx context.Context, token string, kind engine.Kind, remoteID string) (h *engine.OperationHandle, err error) {
	i.observe(ctx, "delete", kind, func(ctx context.Context) error {
		h, err = i.next.Delete(ctx, token, kind, remoteID)
		return err
	})
	return h, err
}

func (i *Instrumented) Modify(ctx context.Context, token string, remoteID string, spec engine.Spec) (h *engine.OperationHandle, err error) {
	i.observe(ctx, "modify", spec.Kind(), func(ctx context.Context) error {
		h, err = i.next.Modify(ctx, token, remoteID, spec)
		return err
	})
	return h, err
}

func (i *Instrumented) Poll(ctx context.Context, handle *engine.OperationHandle) (res *engine.PollResult, err error) {
	i.observe(ctx, "poll", handle.Kind, func(ctx context.Context) error {
		res, err = i.next.Poll(ctx, handle)
		if err == nil && res.Status == engine.PollFailed {
			return engine.NewRemoteFailedError(res.Reason, nil)
		}
		return err
	})
	return res, err
}
