package quota

import (
	"context"
	"sort"
	"sync"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// MemoryStore is a CounterStore held in process memory. It serializes all
// updates behind one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]map[engine.Kind]engine.QuotaCounter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]map[engine.Kind]engine.QuotaCounter)}
}

// UpdateCounters implements CounterStore.
func (s *MemoryStore) UpdateCounters(ctx context.Context, tenant string, fn func(map[engine.Kind]*engine.QuotaCounter) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[engine.Kind]*engine.QuotaCounter)
	for kind, qc := range s.counters[tenant] {
		c := qc
		working[kind] = &c
	}
	if err := fn(working); err != nil {
		return err
	}
	committed := make(map[engine.Kind]engine.QuotaCounter, len(working))
	for kind, qc := range working {
		committed[kind] = *qc
	}
	s.counters[tenant] = committed
	return nil
}

// ListTenants implements CounterStore.
func (s *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.counters))
	for tenant := range s.counters {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

// ListCounters implements CounterStore.
func (s *MemoryStore) ListCounters(ctx context.Context, tenant string) ([]*engine.QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*engine.QuotaCounter, 0, len(s.counters[tenant]))
	for _, qc := range s.counters[tenant] {
		c := qc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}
