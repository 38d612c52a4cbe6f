package gateway

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// RateLimited throttles calls to a wrapped gateway with a token bucket.
// Polls share the bucket with mutating calls.
type RateLimited struct {
	next    engine.Gateway
	limiter *rate.Limiter
}

var _ engine.Gateway = (*RateLimited)(nil)

// NewRateLimited allows rps calls per second with bursts of up to burst calls.
// A non-positive rps disables the limit.
func NewRateLimited(next engine.Gateway, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return engine.NewTransientError("gateway rate limit wait aborted", err)
	}
	return nil
}

func (r *RateLimited) Create(ctx context.Context, token string, spec engine.Spec, refs map[string]string) (*engine.OperationHandle, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Create(ctx, token, spec, refs)
}

func (r *RateLimited) Delete(ctx context.Context, token string, kind engine.Kind, remoteID string) (*engine.OperationHandle, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Delete(ctx, token, kind, remoteID)
}

func (r *RateLimited) Modify(ctx context.Context, token string, remoteID string, spec engine.Spec) (*engine.OperationHandle, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Modify(ctx, token, remoteID, spec)
}

func (r *RateLimited) Poll(ctx context.Context, h *engine.OperationHandle) (*engine.PollResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Poll(ctx, h)
}
