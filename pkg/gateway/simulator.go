package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/clock"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// SimulatorConfig tunes the simulated cloud.
type SimulatorConfig struct {
	// PollsToComplete is the number of polls an operation stays pending.
	PollsToComplete int `json:"polls_to_complete" yaml:"polls_to_complete" validate:"gte=0"`
}

// SimObject is a remote object held by the simulator.
type SimObject struct {
	RemoteID string
	Kind     engine.Kind
	Name     string
	Spec     engine.Spec
	Token    string
}

type simOp struct {
	handle  *engine.OperationHandle
	name    string
	spec    engine.Spec
	polls   int
	reason  string
	result  *engine.PollResult
	hangKey string
}

// Simulator is an in-process cloud. Every token maps to at most one
// operation, so replaying a call never creates a second object.
type Simulator struct {
	mu        sync.Mutex
	cfg       SimulatorConfig
	clock     clock.Clock
	byToken   map[string]*simOp
	ops       map[string]*simOp
	objects   map[string]*SimObject
	failures  map[string]string
	hangs     map[string]bool
	transient int
	nextID    int
	calls     int
}

var _ engine.Gateway = (*Simulator)(nil)

// NewSimulator creates an empty simulated cloud.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.PollsToComplete <= 0 {
		cfg.PollsToComplete = 1
	}
	return &Simulator{
		cfg:      cfg,
		clock:    clock.WallClock,
		byToken:  make(map[string]*simOp),
		ops:      make(map[string]*simOp),
		objects:  make(map[string]*SimObject),
		failures: make(map[string]string),
		hangs:    make(map[string]bool),
	}
}

func scriptKey(op engine.OperationType, kind engine.Kind, name string) string {
	return fmt.Sprintf("%s/%s/%s", op, kind, name)
}

// FailOn makes every op on the named object fail with reason.
func (s *Simulator) FailOn(op engine.OperationType, kind engine.Kind, name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[scriptKey(op, kind, name)] = reason
}

// ClearFailure removes a failure scripted with FailOn. Operations already
// started keep their outcome.
func (s *Simulator) ClearFailure(op engine.OperationType, kind engine.Kind, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, scriptKey(op, kind, name))
}

// HangOn keeps op on the named object pending until Unhang is called.
func (s *Simulator) HangOn(op engine.OperationType, kind engine.Kind, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangs[scriptKey(op, kind, name)] = true
}

// Unhang lets a hung operation complete on its next poll.
func (s *Simulator) Unhang(op engine.OperationType, kind engine.Kind, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hangs, scriptKey(op, kind, name))
}

// InjectTransientErrors makes the next n calls fail with a transient error.
func (s *Simulator) InjectTransientErrors(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transient = n
}

// Objects returns the remote objects of a kind ordered by remote id.
func (s *Simulator) Objects(kind engine.Kind) []SimObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SimObject
	for _, obj := range s.objects {
		if obj.Kind == kind {
			out = append(out, *obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Calls returns the number of mutating calls that started a new operation.
func (s *Simulator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Simulator) takeTransient() error {
	if s.transient > 0 {
		s.transient--
		return engine.NewTransientError("simulated connection reset", nil)
	}
	return nil
}

func (s *Simulator) start(token string, kind engine.Kind, op engine.OperationType, remoteID, name string, spec engine.Spec) *simOp {
	s.calls++
	s.nextID++
	o := &simOp{
		handle: &engine.OperationHandle{
			ID:        fmt.Sprintf("sim-op-%d", s.nextID),
			Kind:      kind,
			Operation: op,
			RemoteID:  remoteID,
			Token:     token,
			IssuedAt:  s.clock.Now().UTC(),
		},
		name:    name,
		spec:    spec,
		reason:  s.failures[scriptKey(op, kind, name)],
		hangKey: scriptKey(op, kind, name),
	}
	s.byToken[token] = o
	s.ops[o.handle.ID] = o
	return o
}

func copyHandle(h *engine.OperationHandle) *engine.OperationHandle {
	c := *h
	return &c
}

// Create implements engine.Gateway.
func (s *Simulator) Create(ctx context.Context, token string, spec engine.Spec, refs map[string]string) (*engine.OperationHandle, error) {
	if spec == nil {
		return nil, engine.NewValidationError("spec is required", nil)
	}
	if spec.Kind().IsComposite() {
		return nil, engine.NewValidationError(fmt.Sprintf("%s has no remote representation", spec.Kind()), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeTransient(); err != nil {
		return nil, err
	}
	if o, ok := s.byToken[token]; ok {
		return copyHandle(o.handle), nil
	}

	remoteID := fmt.Sprintf("%s-%04d", spec.Kind(), s.nextID+1)
	o := s.start(token, spec.Kind(), engine.OperationCreate, remoteID, engine.SpecName(spec), spec)
	if o.reason == "" {
		for _, ref := range spec.References() {
			rid, ok := refs[ref]
			if !ok {
				o.reason = fmt.Sprintf("reference %s was not resolved", ref)
				break
			}
			if _, exists := s.objects[rid]; !exists {
				o.reason = fmt.Sprintf("referenced object %s not found", rid)
				break
			}
		}
	}
	return copyHandle(o.handle), nil
}

// Delete implements engine.Gateway. Deleting a missing object succeeds.
func (s *Simulator) Delete(ctx context.Context, token string, kind engine.Kind, remoteID string) (*engine.OperationHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeTransient(); err != nil {
		return nil, err
	}
	if o, ok := s.byToken[token]; ok {
		return copyHandle(o.handle), nil
	}
	name := ""
	if obj, ok := s.objects[remoteID]; ok {
		name = obj.Name
	}
	o := s.start(token, kind, engine.OperationDelete, remoteID, name, nil)
	return copyHandle(o.handle), nil
}

// Modify implements engine.Gateway.
func (s *Simulator) Modify(ctx context.Context, token string, remoteID string, spec engine.Spec) (*engine.OperationHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeTransient(); err != nil {
		return nil, err
	}
	if o, ok := s.byToken[token]; ok {
		return copyHandle(o.handle), nil
	}
	o := s.start(token, spec.Kind(), engine.OperationUpdate, remoteID, engine.SpecName(spec), spec)
	if o.reason == "" {
		if _, ok := s.objects[remoteID]; !ok {
			o.reason = fmt.Sprintf("%s %s not found", spec.Kind(), remoteID)
		}
	}
	return copyHandle(o.handle), nil
}

// Poll implements engine.Gateway.
func (s *Simulator) Poll(ctx context.Context, handle *engine.OperationHandle) (*engine.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeTransient(); err != nil {
		return nil, err
	}
	o, ok := s.ops[handle.ID]
	if !ok {
		return nil, engine.NewNotFoundError("operation", handle.ID)
	}
	if o.result != nil {
		r := *o.result
		return &r, nil
	}
	if s.hangs[o.hangKey] {
		return &engine.PollResult{Status: engine.PollPending}, nil
	}
	o.polls++
	if o.polls < s.cfg.PollsToComplete {
		return &engine.PollResult{Status: engine.PollPending}, nil
	}

	if o.reason != "" {
		o.result = &engine.PollResult{Status: engine.PollFailed, Reason: o.reason}
	} else {
		o.result = s.complete(o)
	}
	r := *o.result
	return &r, nil
}

func (s *Simulator) complete(o *simOp) *engine.PollResult {
	h := o.handle
	switch h.Operation {
	case engine.OperationCreate:
		s.objects[h.RemoteID] = &SimObject{
			RemoteID: h.RemoteID,
			Kind:     h.Kind,
			Name:     o.name,
			Spec:     o.spec,
			Token:    h.Token,
		}
		return &engine.PollResult{Status: engine.PollSucceeded, RemoteID: h.RemoteID}
	case engine.OperationDelete:
		delete(s.objects, h.RemoteID)
	case engine.OperationUpdate:
		if obj, ok := s.objects[h.RemoteID]; ok {
			obj.Spec = o.spec
			obj.Name = o.name
		}
	}
	return &engine.PollResult{Status: engine.PollSucceeded, RemoteID: h.RemoteID}
}
