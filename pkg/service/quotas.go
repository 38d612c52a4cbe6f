package service

import (
	"context"

	"github.com/openfroyo/cumulus/pkg/engine"
	"github.com/openfroyo/cumulus/pkg/quota"
)

// Usage returns a tenant's counters for every kind.
func (s *Service) Usage(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error) {
	if tenant == "" {
		return nil, engine.NewValidationError("tenant is required", nil)
	}
	return s.quota.Usage(ctx, tenant)
}

// SetLimit sets a tenant's hard quota for kind. engine.NoLimit removes it.
func (s *Service) SetLimit(ctx context.Context, tenant string, kind engine.Kind, limit int) (err error) {
	op := s.begin(ctx, "set_limit", "", kind)
	defer func() { op.End(err) }()

	return s.quota.SetLimit(op.Ctx, tenant, kind, limit)
}

// QuotaPolicy returns the concurrency ceilings and ratios in effect.
func (s *Service) QuotaPolicy() quota.Policy {
	return s.quota.Policy()
}
