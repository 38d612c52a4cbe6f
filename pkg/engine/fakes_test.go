package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu          sync.Mutex
	resources   map[string]*ManagedResource
	transitions []*TransitionRecord
}

func newMemStore() *memStore {
	return &memStore{resources: make(map[string]*ManagedResource)}
}

// NewMemStoreForTest exposes the in-memory store to external tests.
var NewMemStoreForTest = func() Store { return newMemStore() }

func (s *memStore) CreateResources(ctx context.Context, resources []*ManagedResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range resources {
		if _, ok := s.resources[r.ID]; ok {
			return fmt.Errorf("duplicate id %s", r.ID)
		}
	}
	for _, r := range resources {
		s.resources[r.ID] = r.Clone()
		s.transitions = append(s.transitions, &TransitionRecord{
			ResourceID: r.ID, Kind: r.Kind, To: r.State, Event: "admitted", At: r.CreatedAt,
		})
	}
	return nil
}

func (s *memStore) GetResource(ctx context.Context, id string) (*ManagedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, NewNotFoundError("resource", id)
	}
	return r.Clone(), nil
}

func (s *memStore) ListResources(ctx context.Context, filter ResourceFilter) ([]*ManagedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ManagedResource
	for _, r := range s.resources {
		if filter.Tenant != "" && r.Tenant != filter.Tenant {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.ParentID != "" && r.ParentID != filter.ParentID {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, st := range filter.States {
				if r.State == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) UpdateResource(ctx context.Context, r *ManagedResource, rec *TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[r.ID]; !ok {
		return NewNotFoundError("resource", r.ID)
	}
	s.resources[r.ID] = r.Clone()
	if rec != nil {
		s.transitions = append(s.transitions, rec)
	}
	return nil
}

func (s *memStore) DeleteResource(ctx context.Context, id string, rec *TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[id]; !ok {
		return NewNotFoundError("resource", id)
	}
	delete(s.resources, id)
	if rec != nil {
		s.transitions = append(s.transitions, rec)
	}
	return nil
}

func (s *memStore) ListTransitions(ctx context.Context, resourceID string) ([]*TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TransitionRecord
	for _, rec := range s.transitions {
		if rec.ResourceID == resourceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// countingAdmitter enforces a per-kind concurrency ceiling and tracks peaks.
type countingAdmitter struct {
	mu       sync.Mutex
	limit    map[Kind]int
	pending  map[Kind]int
	peak     map[Kind]int
	usage    map[Kind]int
	releases []Outcome
}

func newCountingAdmitter(limits map[Kind]int) *countingAdmitter {
	if limits == nil {
		limits = map[Kind]int{}
	}
	return &countingAdmitter{
		limit:   limits,
		pending: make(map[Kind]int),
		peak:    make(map[Kind]int),
		usage:   make(map[Kind]int),
	}
}

func (a *countingAdmitter) Admit(ctx context.Context, tenant string, requests ...AdmissionRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, req := range requests {
		if l := a.limit[req.Kind]; l > 0 && a.pending[req.Kind]+req.Delta > l {
			return NewAdmissionDeniedError(ErrCodeConcurrencyExceeded, "too many operations")
		}
	}
	for _, req := range requests {
		a.pending[req.Kind] += req.Delta
		if a.pending[req.Kind] > a.peak[req.Kind] {
			a.peak[req.Kind] = a.pending[req.Kind]
		}
		if req.Operation == OperationCreate && !req.Existing {
			a.usage[req.Kind] += req.Delta
		}
	}
	return nil
}

func (a *countingAdmitter) Release(ctx context.Context, tenant string, kind Kind, op OperationType, outcome Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[kind]--
	if (op == OperationCreate && outcome == OutcomeCancelled) || (op == OperationDelete && outcome == OutcomeSucceeded) {
		a.usage[kind]--
	}
	a.releases = append(a.releases, outcome)
	return nil
}

func (a *countingAdmitter) SyncCounters(ctx context.Context, observed []*QuotaCounter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[Kind]int)
	a.usage = make(map[Kind]int)
	for _, qc := range observed {
		a.pending[qc.Kind] += qc.Pending
		a.usage[qc.Kind] += qc.Usage
	}
	return nil
}

func (a *countingAdmitter) snapshot(kind Kind) (pending, peak, usage int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[kind], a.peak[kind], a.usage[kind]
}

// scriptedGateway is a fake cloud. Operations succeed after pollsToFinish
// polls unless the resource name is scripted to fail or hang.
type scriptedGateway struct {
	mu            sync.Mutex
	pollsToFinish int
	failNames     map[string]string
	hangNames     map[string]bool
	byToken       map[string]*OperationHandle
	names         map[string]string
	polls         map[string]int
	creates       int
	deletes       int
	modifies      int
	nextID        int
	transientLeft int

	// pollGate, when set, blocks every Poll until it is closed.
	pollGate chan struct{}
	blocked  int
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		pollsToFinish: 1,
		failNames:     make(map[string]string),
		hangNames:     make(map[string]bool),
		byToken:       make(map[string]*OperationHandle),
		names:         make(map[string]string),
		polls:         make(map[string]int),
	}
}

func (g *scriptedGateway) issue(token string, kind Kind, op OperationType, remoteID string) *OperationHandle {
	if h, ok := g.byToken[token]; ok {
		return h
	}
	h := &OperationHandle{
		ID:        fmt.Sprintf("op-%d", len(g.byToken)+1),
		Kind:      kind,
		Operation: op,
		RemoteID:  remoteID,
		Token:     token,
		IssuedAt:  time.Now(),
	}
	g.byToken[token] = h
	return h
}

func (g *scriptedGateway) Create(ctx context.Context, token string, spec Spec, refs map[string]string) (*OperationHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transientLeft > 0 {
		g.transientLeft--
		return nil, NewTransientError("connection reset", nil)
	}
	if _, ok := g.byToken[token]; !ok {
		g.creates++
		g.nextID++
	}
	h := g.issue(token, spec.Kind(), OperationCreate, fmt.Sprintf("remote-%d", g.nextID))
	g.names[h.ID] = SpecName(spec)
	return h, nil
}

func (g *scriptedGateway) Delete(ctx context.Context, token string, kind Kind, remoteID string) (*OperationHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byToken[token]; !ok {
		g.deletes++
	}
	return g.issue(token, kind, OperationDelete, remoteID), nil
}

func (g *scriptedGateway) Modify(ctx context.Context, token string, remoteID string, spec Spec) (*OperationHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byToken[token]; !ok {
		g.modifies++
	}
	h := g.issue(token, spec.Kind(), OperationUpdate, remoteID)
	g.names[h.ID] = SpecName(spec)
	return h, nil
}

func (g *scriptedGateway) Poll(ctx context.Context, h *OperationHandle) (*PollResult, error) {
	g.mu.Lock()
	gate := g.pollGate
	if gate != nil {
		g.blocked++
	}
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	name := g.names[h.ID]
	if g.hangNames[name] {
		return &PollResult{Status: PollPending}, nil
	}
	g.polls[h.ID]++
	if g.polls[h.ID] < g.pollsToFinish {
		return &PollResult{Status: PollPending}, nil
	}
	if reason, ok := g.failNames[name]; ok {
		return &PollResult{Status: PollFailed, Reason: reason}, nil
	}
	return &PollResult{Status: PollSucceeded, RemoteID: h.RemoteID}, nil
}

func (g *scriptedGateway) counts() (creates, deletes, modifies int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.deletes, g.modifies
}

func (g *scriptedGateway) setFail(name, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason == "" {
		delete(g.failNames, name)
		return
	}
	g.failNames[name] = reason
}

func (g *scriptedGateway) blockPolls(gate chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollGate = gate
}

func (g *scriptedGateway) blockedPolls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

func (g *scriptedGateway) setHang(name string, hang bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangNames[name] = hang
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, s Store, id string, want ResourceState) *ManagedResource {
	t.Helper()
	var last *ManagedResource
	waitFor(t, 5*time.Second, fmt.Sprintf("%s to reach %s", id, want), func() bool {
		r, err := s.GetResource(context.Background(), id)
		if err != nil {
			return want == StateDeleted && IsNotFound(err)
		}
		last = r
		return r.State == want
	})
	return last
}

// NewCountingAdmitterForTest exposes the counting admitter to external tests.
var NewCountingAdmitterForTest = func() Admitter { return newCountingAdmitter(nil) }
