package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// CounterStore persists quota counters. UpdateCounters runs fn inside one
// exclusive transaction over every counter of the tenant; the counters fn
// leaves in the map are written back only when fn returns nil.
type CounterStore interface {
	UpdateCounters(ctx context.Context, tenant string, fn func(counters map[engine.Kind]*engine.QuotaCounter) error) error
	ListCounters(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// Recorder receives admission decisions, typically telemetry metrics.
type Recorder interface {
	RecordAdmission(kind, decision string)
}

// Decisions reported to the Recorder.
const (
	DecisionAllowed          = "allowed"
	DecisionConcurrencyLimit = "concurrency_limit"
	DecisionQuotaExceeded    = "quota_exceeded"
)

// Controller admits and releases operations against per-tenant counters.
// It implements engine.Admitter.
type Controller struct {
	store    CounterStore
	logger   zerolog.Logger
	recorder Recorder

	mu     sync.RWMutex
	policy Policy
}

var (
	_ engine.Admitter      = (*Controller)(nil)
	_ engine.CounterSyncer = (*Controller)(nil)
)

// NewController creates a controller enforcing policy.
func NewController(store CounterStore, policy Policy, logger zerolog.Logger) *Controller {
	return &Controller{
		store:  store,
		policy: policy.clone(),
		logger: logger.With().Str("component", "quota").Logger(),
	}
}

// SetRecorder attaches a decision recorder.
func (c *Controller) SetRecorder(r Recorder) {
	c.recorder = r
}

// Policy returns a copy of the active policy.
func (c *Controller) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy.clone()
}

// SetPolicy replaces the active policy. Counters are untouched; a lower
// ceiling only affects later admissions.
func (c *Controller) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return engine.NewValidationError("invalid quota policy", err)
	}
	c.mu.Lock()
	c.policy = p.clone()
	c.mu.Unlock()
	c.logger.Info().Interface("max_concurrent_provision", p.MaxConcurrentProvision).Msg("Quota policy updated")
	return nil
}

// Admit checks and applies every request atomically.
func (c *Controller) Admit(ctx context.Context, tenant string, requests ...engine.AdmissionRequest) error {
	if tenant == "" {
		return engine.NewValidationError("tenant is required", nil)
	}
	if len(requests) == 0 {
		return nil
	}
	for _, req := range requests {
		if err := req.Kind.Validate(); err != nil {
			return engine.NewValidationError("invalid admission request", err)
		}
		if err := req.Operation.Validate(); err != nil {
			return engine.NewValidationError("invalid admission request", err)
		}
		if req.Delta <= 0 {
			return engine.NewValidationError(fmt.Sprintf("admission delta must be positive, got %d", req.Delta), nil)
		}
	}

	policy := c.Policy()
	var deniedKind engine.Kind
	err := c.store.UpdateCounters(ctx, tenant, func(counters map[engine.Kind]*engine.QuotaCounter) error {
		for _, req := range requests {
			counter := counterFor(counters, tenant, req.Kind)

			if max := policy.MaxConcurrentProvision[req.Kind]; max > 0 && counter.Pending+req.Delta > max {
				deniedKind = req.Kind
				return engine.NewAdmissionDeniedError(engine.ErrCodeConcurrencyExceeded,
					fmt.Sprintf("%d %s operations pending, %d more would exceed the limit of %d",
						counter.Pending, req.Kind, req.Delta, max)).
					WithDetail("tenant", tenant).
					WithDetail("kind", string(req.Kind))
			}

			if req.Operation == engine.OperationCreate && !req.Existing {
				if err := checkQuota(policy, counters, tenant, counter, req); err != nil {
					deniedKind = req.Kind
					return err
				}
				counter.Usage += req.Delta
			}
			counter.Pending += req.Delta
		}
		return nil
	})
	if err != nil {
		if engine.IsAdmissionDenied(err) {
			decision := DecisionQuotaExceeded
			if engine.ErrorCode(err) == engine.ErrCodeConcurrencyExceeded {
				decision = DecisionConcurrencyLimit
			}
			c.record(deniedKind, decision)
			c.logger.Debug().Str("tenant", tenant).Str("kind", string(deniedKind)).
				Str("decision", decision).Msg("Admission denied")
			return err
		}
		return fmt.Errorf("failed to admit for tenant %s: %w", tenant, err)
	}

	for _, req := range requests {
		c.record(req.Kind, DecisionAllowed)
	}
	return nil
}

func checkQuota(policy Policy, counters map[engine.Kind]*engine.QuotaCounter, tenant string, counter *engine.QuotaCounter, req engine.AdmissionRequest) error {
	limit := counter.Limit
	source := "quota"
	if limit == engine.NoLimit {
		ratio, ok := policy.ratioFor(req.Kind)
		if !ok {
			return nil
		}
		// Parent usage already includes parents admitted earlier in this call.
		parent := counterFor(counters, tenant, ratio.Parent)
		limit = ratio.PerParent * parent.Usage
		source = fmt.Sprintf("%d per %s", ratio.PerParent, ratio.Parent)
	}
	if counter.Usage+req.Delta > limit {
		return engine.NewAdmissionDeniedError(engine.ErrCodeQuotaExceeded,
			fmt.Sprintf("%s usage %d plus %d exceeds %d (%s)", req.Kind, counter.Usage, req.Delta, limit, source)).
			WithDetail("tenant", tenant).
			WithDetail("kind", string(req.Kind))
	}
	return nil
}

// Release returns the capacity taken by one admitted operation.
func (c *Controller) Release(ctx context.Context, tenant string, kind engine.Kind, op engine.OperationType, outcome engine.Outcome) error {
	err := c.store.UpdateCounters(ctx, tenant, func(counters map[engine.Kind]*engine.QuotaCounter) error {
		counter := counterFor(counters, tenant, kind)
		if counter.Pending > 0 {
			counter.Pending--
		} else {
			c.logger.Warn().Str("tenant", tenant).Str("kind", string(kind)).Msg("Release without pending operation")
		}
		if releasesUsage(op, outcome) && counter.Usage > 0 {
			counter.Usage--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release %s %s for tenant %s: %w", kind, op, tenant, err)
	}
	return nil
}

// releasesUsage reports whether the resource stops existing with this outcome.
func releasesUsage(op engine.OperationType, outcome engine.Outcome) bool {
	switch op {
	case engine.OperationCreate:
		return outcome == engine.OutcomeCancelled
	case engine.OperationDelete:
		return outcome == engine.OutcomeSucceeded
	default:
		return false
	}
}

// SyncCounters replaces usage and pending with the observed values and
// keeps limits. Every tenant with stored counters is visited, so the
// counts of a tenant without resources drop to zero.
func (c *Controller) SyncCounters(ctx context.Context, observed []*engine.QuotaCounter) error {
	byTenant := make(map[string]map[engine.Kind]*engine.QuotaCounter)
	for _, qc := range observed {
		if byTenant[qc.Tenant] == nil {
			byTenant[qc.Tenant] = make(map[engine.Kind]*engine.QuotaCounter)
		}
		byTenant[qc.Tenant][qc.Kind] = qc
	}
	stored, err := c.store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	for _, tenant := range stored {
		if _, ok := byTenant[tenant]; !ok {
			byTenant[tenant] = nil
		}
	}
	tenants := make([]string, 0, len(byTenant))
	for tenant := range byTenant {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		want := byTenant[tenant]
		err := c.store.UpdateCounters(ctx, tenant, func(counters map[engine.Kind]*engine.QuotaCounter) error {
			for kind := range want {
				counterFor(counters, tenant, kind)
			}
			for kind, counter := range counters {
				var usage, pending int
				if qc, ok := want[kind]; ok {
					usage, pending = qc.Usage, qc.Pending
				}
				if counter.Usage == usage && counter.Pending == pending {
					continue
				}
				c.logger.Warn().
					Str("tenant", tenant).
					Str("kind", string(kind)).
					Int("usage", counter.Usage).
					Int("observed_usage", usage).
					Int("pending", counter.Pending).
					Int("observed_pending", pending).
					Msg("Counter drift repaired")
				counter.Usage = usage
				counter.Pending = pending
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to sync counters for tenant %s: %w", tenant, err)
		}
	}
	return nil
}

// Usage returns the tenant's counters ordered by kind, including kinds that
// have never been used.
func (c *Controller) Usage(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error) {
	stored, err := c.store.ListCounters(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list counters for tenant %s: %w", tenant, err)
	}
	byKind := make(map[engine.Kind]*engine.QuotaCounter, len(stored))
	for _, qc := range stored {
		byKind[qc.Kind] = qc
	}
	out := make([]*engine.QuotaCounter, 0, len(engine.AllKinds))
	for _, kind := range engine.AllKinds {
		out = append(out, counterFor(byKind, tenant, kind))
	}
	return out, nil
}

// SetLimit sets an explicit quota. engine.NoLimit removes it.
func (c *Controller) SetLimit(ctx context.Context, tenant string, kind engine.Kind, limit int) error {
	if tenant == "" {
		return engine.NewValidationError("tenant is required", nil)
	}
	if err := kind.Validate(); err != nil {
		return engine.NewValidationError("invalid kind", err)
	}
	if limit < engine.NoLimit {
		return engine.NewValidationError(fmt.Sprintf("limit must be %d or greater, got %d", engine.NoLimit, limit), nil)
	}
	err := c.store.UpdateCounters(ctx, tenant, func(counters map[engine.Kind]*engine.QuotaCounter) error {
		counterFor(counters, tenant, kind).Limit = limit
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s limit for tenant %s: %w", kind, tenant, err)
	}
	c.logger.Info().Str("tenant", tenant).Str("kind", string(kind)).Int("limit", limit).Msg("Quota limit set")
	return nil
}

func (c *Controller) record(kind engine.Kind, decision string) {
	if c.recorder != nil {
		c.recorder.RecordAdmission(string(kind), decision)
	}
}

func counterFor(counters map[engine.Kind]*engine.QuotaCounter, tenant string, kind engine.Kind) *engine.QuotaCounter {
	qc, ok := counters[kind]
	if !ok {
		qc = &engine.QuotaCounter{Tenant: tenant, Kind: kind, Limit: engine.NoLimit}
		counters[kind] = qc
	}
	return qc
}
