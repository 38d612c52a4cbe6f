package engine

import (
	"context"
	"time"
)

// DefaultStuckAfter is how long a resource may stay in Creating before the
// sweeper gives up on it.
const DefaultStuckAfter = 30 * time.Minute

// Sweeper marks resources stuck in Creating as Erred. It covers operations
// whose poll loop is not running anywhere, e.g. after a lost handle.
type Sweeper struct {
	orchestrator *Orchestrator
	stuckAfter   time.Duration
	interval     time.Duration
}

// NewSweeper creates a sweeper. Zero durations select the defaults.
func NewSweeper(o *Orchestrator, stuckAfter, interval time.Duration) *Sweeper {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{orchestrator: o, stuckAfter: stuckAfter, interval: interval}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.orchestrator.clock.After(s.interval):
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.orchestrator.logger.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// Sweep marks as Erred every resource that entered Creating more than stuckAfter ago
// and returns how many were changed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	o := s.orchestrator
	cutoff := o.clock.Now().Add(-s.stuckAfter)

	candidates, err := o.store.ListResources(ctx, ResourceFilter{
		States:        []ResourceState{StateCreating},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range candidates {
		if ok, err := o.expire(ctx, c.ID, cutoff); err != nil {
			o.logger.Warn().Err(err).Str("resource_id", c.ID).Msg("Failed to expire stuck resource")
		} else if ok {
			swept++
		}
	}
	if swept > 0 {
		o.logger.Info().Int("resources", swept).Msg("Expired stuck resources")
	}
	return swept, nil
}

// expire re-checks a candidate under its lock before timing it out.
func (o *Orchestrator) expire(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	r, err := o.store.GetResource(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if r.State != StateCreating {
		return false, nil
	}
	started := r.UpdatedAt
	if r.OperationStartedAt != nil {
		started = *r.OperationStartedAt
	}
	if !started.Before(cutoff) {
		return false, nil
	}
	if err := o.commit(ctx, r, TimedOut(timeoutMessage(OperationCreate))); err != nil {
		return false, err
	}
	return true, nil
}
