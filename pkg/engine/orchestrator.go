package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// OrchestratorConfig tunes the orchestration engine.
type OrchestratorConfig struct {
	// MaxParallel is the number of dispatch workers.
	MaxParallel int

	// QueueSize bounds the dispatch queue. Overflow is picked up by reconcile.
	QueueSize int

	// PollInterval is the delay between two polls of one operation.
	PollInterval time.Duration

	// OperationTimeout bounds how long an operation may stay in flight.
	OperationTimeout time.Duration

	// ReconcileInterval is how often scheduled and in-flight resources are
	// reloaded from the store and re-enqueued.
	ReconcileInterval time.Duration

	// ReferenceRetryInterval is how long a resource waits before its
	// references are checked again.
	ReferenceRetryInterval time.Duration

	// GatewayRetryAttempts and GatewayRetryDelay control retries of
	// transient gateway errors.
	GatewayRetryAttempts int
	GatewayRetryDelay    time.Duration
}

// DefaultOrchestratorConfig returns the default engine timings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxParallel:            10,
		QueueSize:              1024,
		PollInterval:           2 * time.Second,
		OperationTimeout:       30 * time.Minute,
		ReconcileInterval:      30 * time.Second,
		ReferenceRetryInterval: 5 * time.Second,
		GatewayRetryAttempts:   3,
		GatewayRetryDelay:      time.Second,
	}
}

func (c *OrchestratorConfig) applyDefaults() {
	d := DefaultOrchestratorConfig()
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.ReferenceRetryInterval <= 0 {
		c.ReferenceRetryInterval = d.ReferenceRetryInterval
	}
	if c.GatewayRetryAttempts <= 0 {
		c.GatewayRetryAttempts = d.GatewayRetryAttempts
	}
	if c.GatewayRetryDelay <= 0 {
		c.GatewayRetryDelay = d.GatewayRetryDelay
	}
}

// Orchestrator drives managed resources through their lifecycle. It is the
// only writer of resource state.
type Orchestrator struct {
	cfg       OrchestratorConfig
	store     Store
	gateway   Gateway
	admitter  Admitter
	policy    IntentPolicy
	publisher EventPublisher
	clock     clock.Clock
	logger    zerolog.Logger

	// locks serialises every state change of one resource.
	locks *kmutex.Kmutex

	// accounting is held shared around every store write paired with an
	// admission or release, and exclusively while counters are rebuilt.
	accounting sync.RWMutex

	queue chan string

	mu      sync.Mutex
	queued  map[string]struct{}
	polling map[string]struct{}
	rearm   map[string]struct{}
	hooks   []TransitionHook
	cancel  context.CancelFunc
	group   *errgroup.Group
	ctx     context.Context
}

// NewOrchestrator creates an orchestrator. Start must be called before
// submitted resources make progress.
func NewOrchestrator(
	cfg OrchestratorConfig,
	store Store,
	gateway Gateway,
	admitter Admitter,
	logger zerolog.Logger,
) *Orchestrator {
	cfg.applyDefaults()

	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		admitter: admitter,
		clock:    clock.WallClock,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		locks:    kmutex.New(),
		queue:    make(chan string, cfg.QueueSize),
		queued:   make(map[string]struct{}),
		polling:  make(map[string]struct{}),
		rearm:    make(map[string]struct{}),
	}
}

// SetClock replaces the time source. It must be called before Start.
func (o *Orchestrator) SetClock(c clock.Clock) { o.clock = c }

// SetPolicy installs the intent policy evaluated before admission.
func (o *Orchestrator) SetPolicy(p IntentPolicy) { o.policy = p }

// SetEventPublisher installs the sink for lifecycle events.
func (o *Orchestrator) SetEventPublisher(p EventPublisher) { o.publisher = p }

// AddHook registers a callback run after every committed transition.
func (o *Orchestrator) AddHook(h TransitionHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, h)
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() OrchestratorConfig { return o.cfg }

// Start launches the workers and the reconcile loop. Pending work found in
// the store is resumed immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.group != nil {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	o.cancel = cancel
	o.group = group
	o.ctx = groupCtx
	o.mu.Unlock()

	for i := 0; i < o.cfg.MaxParallel; i++ {
		group.Go(func() error {
			o.worker(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		o.reconcileLoop(groupCtx)
		return nil
	})

	o.logger.Info().Int("workers", o.cfg.MaxParallel).Msg("Orchestrator started")
	return nil
}

// Stop cancels all workers and poll loops and waits for them to exit.
// Outstanding operations are resumed from the store on the next Start.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	cancel, group := o.cancel, o.group
	o.mu.Unlock()
	if group == nil {
		return nil
	}

	cancel()
	err := group.Wait()

	o.mu.Lock()
	o.group = nil
	o.cancel = nil
	o.ctx = nil
	o.queued = make(map[string]struct{})
	o.polling = make(map[string]struct{})
	o.rearm = make(map[string]struct{})
	o.mu.Unlock()

	o.logger.Info().Msg("Orchestrator stopped")
	return err
}

// Submit admits a single intent and returns the new resource id.
func (o *Orchestrator) Submit(ctx context.Context, intent *Intent) (string, error) {
	if intent == nil {
		return "", NewValidationError("intent is nil", nil)
	}
	ids, err := o.SubmitBatch(ctx, intent.Tenant, []*Intent{intent})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch admits intents for one tenant all-or-nothing. Resources are
// persisted in CreationScheduled and queued. The returned ids follow the
// order of intents.
func (o *Orchestrator) SubmitBatch(ctx context.Context, tenant string, intents []*Intent) ([]string, error) {
	if tenant == "" {
		return nil, NewValidationError("tenant is required", nil)
	}
	if len(intents) == 0 {
		return nil, NewValidationError("no intents submitted", nil)
	}

	counts := make(map[Kind]int)
	for _, intent := range intents {
		if intent == nil {
			return nil, NewValidationError("intent is nil", nil)
		}
		if intent.Tenant != "" && intent.Tenant != tenant {
			return nil, NewValidationError(
				fmt.Sprintf("intent for tenant %s submitted in batch for %s", intent.Tenant, tenant), nil)
		}
		intent.Tenant = tenant
		if err := ValidateSpec(intent.Spec); err != nil {
			return nil, err
		}
		if o.policy != nil {
			if err := o.policy.CheckIntent(ctx, intent); err != nil {
				return nil, err
			}
		}
		counts[intent.Spec.Kind()]++
	}

	// Parents are requested before dependents so ratio quotas see them.
	requests := make([]AdmissionRequest, 0, len(counts))
	for _, kind := range AllKinds {
		if n := counts[kind]; n > 0 {
			requests = append(requests, AdmissionRequest{Kind: kind, Operation: OperationCreate, Delta: n})
		}
	}
	o.accounting.RLock()
	if err := o.admitter.Admit(ctx, tenant, requests...); err != nil {
		o.accounting.RUnlock()
		return nil, err
	}

	now := o.clock.Now().UTC()
	resources := make([]*ManagedResource, 0, len(intents))
	ids := make([]string, 0, len(intents))
	for _, intent := range intents {
		id := intent.ID
		if id == "" {
			id = uuid.New().String()
		}
		resources = append(resources, &ManagedResource{
			ID:        id,
			Kind:      intent.Spec.Kind(),
			State:     StateCreationScheduled,
			Tenant:    tenant,
			Spec:      intent.Spec,
			Operation: OperationCreate,
			Token:     id,
			ParentID:  intent.ParentID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		ids = append(ids, id)
	}

	if err := o.store.CreateResources(ctx, resources); err != nil {
		for _, r := range resources {
			o.release(ctx, r.Tenant, r.Kind, OperationCreate, OutcomeCancelled)
		}
		o.accounting.RUnlock()
		return nil, fmt.Errorf("failed to persist resources: %w", err)
	}
	o.accounting.RUnlock()

	for _, r := range resources {
		rec := &TransitionRecord{
			ResourceID: r.ID,
			Kind:       r.Kind,
			To:         StateCreationScheduled,
			Event:      "admitted",
			At:         now,
		}
		o.notify(ctx, r, rec, EventTypeResourceAdmitted)
		if !r.Kind.IsComposite() {
			o.enqueue(r.ID)
		}
	}

	return ids, nil
}

// ScheduleUpdate moves an OK resource to UpdateScheduled with a new spec.
func (o *Orchestrator) ScheduleUpdate(ctx context.Context, id string, spec Spec) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	return o.operatorEvent(ctx, id, LifecycleEvent{Kind: EventScheduleUpdate}, func(r *ManagedResource) error {
		if spec.Kind() != r.Kind {
			return NewValidationError(fmt.Sprintf("cannot update %s with a %s spec", r.Kind, spec.Kind()), nil)
		}
		r.Spec = spec
		return nil
	})
}

// ScheduleDeletion moves an OK resource to DeletionScheduled. An Erred
// resource is rescheduled for deletion instead.
func (o *Orchestrator) ScheduleDeletion(ctx context.Context, id string) error {
	o.locks.Lock(id)
	r, err := o.store.GetResource(ctx, id)
	if err != nil {
		o.locks.Unlock(id)
		return err
	}
	state := r.State
	o.locks.Unlock(id)

	if state == StateErred {
		return o.operatorEvent(ctx, id, Reschedule(OperationDelete), nil)
	}
	return o.operatorEvent(ctx, id, LifecycleEvent{Kind: EventScheduleDeletion}, nil)
}

// Reschedule moves an Erred resource back into the queue of op. Composite
// resources are retried through their coordinator, which also reschedules
// their children.
func (o *Orchestrator) Reschedule(ctx context.Context, id string, op OperationType) error {
	if err := op.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	return o.operatorEvent(ctx, id, Reschedule(op), func(r *ManagedResource) error {
		if r.Kind.IsComposite() {
			return NewValidationError(
				fmt.Sprintf("%s resources are retried through their own endpoint", r.Kind), nil).WithResource(r.ID)
		}
		return nil
	})
}

// RescheduleComposite moves an Erred composite resource back into the queue
// of op. The caller drives the operation with ApplyEvent.
func (o *Orchestrator) RescheduleComposite(ctx context.Context, id string, op OperationType) error {
	if err := op.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	if op == OperationUpdate {
		return NewValidationError("composite resources cannot be updated", nil).WithResource(id)
	}
	return o.operatorEvent(ctx, id, Reschedule(op), func(r *ManagedResource) error {
		if !r.Kind.IsComposite() {
			return NewValidationError(fmt.Sprintf("%s resources are rescheduled with Reschedule", r.Kind), nil).
				WithResource(r.ID)
		}
		return nil
	})
}

// operatorEvent admits the operation an operator event schedules, then commits it.
func (o *Orchestrator) operatorEvent(
	ctx context.Context,
	id string,
	event LifecycleEvent,
	mutate func(r *ManagedResource) error,
) error {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	r, err := o.store.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if r.Kind.IsComposite() && event.Kind == EventScheduleUpdate {
		return NewValidationError(fmt.Sprintf("%s resources cannot be updated", r.Kind), nil).WithResource(id)
	}
	if err := o.scheduleLocked(ctx, r, event, mutate); err != nil {
		return err
	}
	if !r.Kind.IsComposite() {
		o.enqueue(id)
	}
	return nil
}

// scheduleLocked validates, admits and commits an event that enters a
// scheduled state. The caller holds the resource lock.
//
// A rescheduled create keeps its token so a create the cloud already
// performed is adopted rather than repeated. Updates and deletions get a
// fresh token per attempt.
func (o *Orchestrator) scheduleLocked(
	ctx context.Context,
	r *ManagedResource,
	event LifecycleEvent,
	mutate func(r *ManagedResource) error,
) error {
	next := r.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return err
		}
	}
	// Dry run so a rejected transition never reserves capacity.
	to, err := Apply(next.Clone(), event)
	if err != nil {
		return err
	}
	op := operationFor(to)

	o.accounting.RLock()
	req := AdmissionRequest{Kind: r.Kind, Operation: op, Delta: 1, Existing: op == OperationCreate}
	if err := o.admitter.Admit(ctx, r.Tenant, req); err != nil {
		o.accounting.RUnlock()
		return err
	}

	if op != OperationCreate || next.Token == "" {
		next.Token = uuid.New().String()
	}
	rec, eventType, err := o.persist(ctx, next, event)
	if err != nil {
		o.release(ctx, r.Tenant, r.Kind, op, OutcomeCancelled)
	}
	o.accounting.RUnlock()
	if err != nil {
		return err
	}
	*r = *next
	o.notify(ctx, r, rec, eventType)
	return nil
}

// Cancel withdraws a queued operation without any remote call. An
// operation already in flight cannot be cancelled: a cancel of an in-flight
// create or update is recorded and the resource is deleted once the
// operation settles, whether it succeeds or fails.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	r, err := o.store.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if r.Kind.IsComposite() {
		return NewValidationError(
			fmt.Sprintf("%s operations cannot be cancelled, delete the %s once it settles", r.Kind, r.Kind), nil).
			WithResource(id)
	}

	if r.State.IsInFlight() {
		if r.Operation != OperationDelete && !r.CancelRequested {
			next := r.Clone()
			next.CancelRequested = true
			next.UpdatedAt = o.clock.Now().UTC()
			if err := o.store.UpdateResource(ctx, next, nil); err != nil {
				return fmt.Errorf("failed to record cancel request: %w", err)
			}
			o.publish(ctx, next, EventTypeResourceCancelled, "", "",
				fmt.Sprintf("cancel requested while %s is in flight, resource will be deleted once it settles", r.Operation),
				"warning")
		}
		return NewConflictError(ErrCodeOperationInFlight, "operation in flight").
			WithResource(id).
			WithOperation(string(r.Operation))
	}

	op := r.Operation
	o.accounting.RLock()
	rec, eventType, err := o.persist(ctx, r, Cancel())
	if err == nil {
		o.release(ctx, r.Tenant, r.Kind, op, OutcomeCancelled)
	}
	o.accounting.RUnlock()
	if err != nil {
		return err
	}
	o.notify(ctx, r, rec, eventType)
	return nil
}

// ApplyEvent commits an engine event on a composite resource, which has no
// remote operation of its own.
func (o *Orchestrator) ApplyEvent(ctx context.Context, id string, event LifecycleEvent) (*ManagedResource, error) {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	r, err := o.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Kind.IsComposite() {
		return nil, NewValidationError(
			fmt.Sprintf("events for %s resources come from the gateway", r.Kind), nil).WithResource(id)
	}
	if err := o.commit(ctx, r, event); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Get returns the current record of a resource.
func (o *Orchestrator) Get(ctx context.Context, id string) (*ManagedResource, error) {
	return o.store.GetResource(ctx, id)
}

// commit applies event to r, persists the result with its audit record,
// releases admitted capacity when an operation ends, and runs hooks. The
// caller holds the resource lock. On success r holds the committed state.
func (o *Orchestrator) commit(ctx context.Context, r *ManagedResource, event LifecycleEvent) error {
	o.accounting.RLock()
	rec, eventType, err := o.persist(ctx, r, event)
	o.accounting.RUnlock()
	if err != nil {
		return err
	}
	o.notify(ctx, r, rec, eventType)
	return nil
}

// persist is commit without the hooks. The caller holds accounting shared.
func (o *Orchestrator) persist(ctx context.Context, r *ManagedResource, event LifecycleEvent) (*TransitionRecord, EventType, error) {
	from := r.State
	op := r.Operation
	next := r.Clone()

	to, err := Apply(next, event)
	if err != nil {
		return nil, "", err
	}

	now := o.clock.Now().UTC()
	next.UpdatedAt = now
	if event.Kind == EventAccepted {
		next.OperationStartedAt = &now
	}

	rec := &TransitionRecord{
		ResourceID: r.ID,
		Kind:       r.Kind,
		From:       from,
		To:         to,
		Event:      event.String(),
		Message:    event.Message,
		At:         now,
	}

	if to == StateDeleted {
		err = o.store.DeleteResource(ctx, r.ID, rec)
	} else {
		err = o.store.UpdateResource(ctx, next, rec)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to commit %s for %s: %w", event, r.ID, err)
	}
	*r = *next

	// Capacity is held from admission until the operation leaves the
	// scheduled and in-flight states. Cancel releases on its own.
	if from.IsActive() && !to.IsActive() && event.Kind != EventCancel {
		outcome := OutcomeSucceeded
		if to == StateErred {
			outcome = OutcomeFailed
		}
		o.release(ctx, r.Tenant, r.Kind, op, outcome)
	}

	eventType := EventTypeResourceChanged
	switch {
	case to == StateErred:
		eventType = EventTypeResourceErred
	case to == StateDeleted && event.Kind == EventCancel:
		eventType = EventTypeResourceCancelled
	case to == StateDeleted:
		eventType = EventTypeResourceRemoved
	}
	return rec, eventType, nil
}

func (o *Orchestrator) release(ctx context.Context, tenant string, kind Kind, op OperationType, outcome Outcome) {
	if err := o.admitter.Release(ctx, tenant, kind, op, outcome); err != nil {
		o.logger.Error().Err(err).
			Str("tenant", tenant).
			Str("kind", string(kind)).
			Str("operation", string(op)).
			Msg("Failed to release admitted capacity")
	}
}

func (o *Orchestrator) notify(ctx context.Context, r *ManagedResource, rec *TransitionRecord, eventType EventType) {
	o.mu.Lock()
	hooks := make([]TransitionHook, len(o.hooks))
	copy(hooks, o.hooks)
	o.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, r, rec)
	}

	level := "info"
	msg := fmt.Sprintf("%s %s: %s -> %s", r.Kind, r.ID, rec.From, rec.To)
	if rec.To == StateErred {
		level = "error"
		msg = fmt.Sprintf("%s %s erred: %s", r.Kind, r.ID, r.ErrorMessage)
	}
	o.publish(ctx, r, eventType, rec.From, rec.To, msg, level)

	o.logger.Debug().
		Str("resource_id", r.ID).
		Str("kind", string(r.Kind)).
		Str("from", string(rec.From)).
		Str("to", string(rec.To)).
		Str("event", rec.Event).
		Msg("Transition committed")
}

func (o *Orchestrator) publish(
	ctx context.Context,
	r *ManagedResource,
	eventType EventType,
	from, to ResourceState,
	message, level string,
) {
	if o.publisher == nil {
		return
	}
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  o.clock.Now().UTC(),
		ResourceID: r.ID,
		Kind:       r.Kind,
		Tenant:     r.Tenant,
		From:       from,
		To:         to,
		Message:    message,
		Level:      level,
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("resource_id", r.ID).Msg("Failed to publish event")
	}
}

// enqueue adds id to the dispatch queue unless it is already queued.
func (o *Orchestrator) enqueue(id string) {
	o.mu.Lock()
	if _, ok := o.queued[id]; ok {
		o.mu.Unlock()
		return
	}
	o.queued[id] = struct{}{}
	o.mu.Unlock()

	select {
	case o.queue <- id:
	default:
		o.mu.Lock()
		delete(o.queued, id)
		o.mu.Unlock()
		o.logger.Warn().Str("resource_id", id).Msg("Dispatch queue full, deferring to reconcile")
	}
}

func (o *Orchestrator) enqueueAfter(id string, d time.Duration) {
	o.clock.AfterFunc(d, func() { o.enqueue(id) })
}

// QueueDepth returns the number of resources waiting for a worker.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.mu.Lock()
			delete(o.queued, id)
			o.mu.Unlock()
			o.process(ctx, id)
		}
	}
}

// process advances one resource as far as it can without waiting on a poll.
func (o *Orchestrator) process(ctx context.Context, id string) {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	r, err := o.store.GetResource(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			o.logger.Error().Err(err).Str("resource_id", id).Msg("Failed to load resource")
		}
		return
	}
	if r.Kind.IsComposite() {
		return
	}

	switch {
	case r.State.IsScheduled():
		o.dispatch(ctx, r)
	case r.State.IsInFlight():
		if r.Handle == nil {
			// Accepted was committed but the call result was lost.
			o.issue(ctx, r)
		} else {
			o.startPolling(id)
		}
	case r.CancelRequested && (r.State == StateOK || r.State == StateErred):
		o.deleteCancelled(ctx, r)
	}
}

// dispatch commits Accepted and issues the remote call for a scheduled resource.
func (o *Orchestrator) dispatch(ctx context.Context, r *ManagedResource) {
	var refs map[string]string
	if r.Operation != OperationDelete {
		var ready bool
		var reason string
		refs, ready, reason = o.resolveReferences(ctx, r)
		if reason != "" {
			o.fail(ctx, r, Failed(reason))
			return
		}
		if !ready {
			o.enqueueAfter(r.ID, o.cfg.ReferenceRetryInterval)
			return
		}
	}

	if err := o.commit(ctx, r, Accepted()); err != nil {
		o.logger.Error().Err(err).Str("resource_id", r.ID).Msg("Failed to accept operation")
		return
	}
	o.issueWithRefs(ctx, r, refs)
}

// resolveReferences maps referenced platform ids to remote ids. A missing
// or Erred reference is a permanent failure; any other non-OK reference
// means the resource must wait.
func (o *Orchestrator) resolveReferences(ctx context.Context, r *ManagedResource) (map[string]string, bool, string) {
	refs := make(map[string]string)
	for _, refID := range r.Spec.References() {
		ref, err := o.store.GetResource(ctx, refID)
		if err != nil {
			if IsNotFound(err) {
				return nil, false, fmt.Sprintf("referenced resource %s does not exist", refID)
			}
			o.logger.Warn().Err(err).Str("resource_id", r.ID).Str("reference", refID).Msg("Failed to load reference")
			return nil, false, ""
		}
		if ref.Tenant != r.Tenant {
			return nil, false, fmt.Sprintf("referenced resource %s belongs to another tenant", refID)
		}
		switch {
		case ref.State == StateErred:
			return nil, false, fmt.Sprintf("referenced %s %s is erred: %s", ref.Kind, refID, ref.ErrorMessage)
		case ref.State == StateOK && ref.RemoteID != "":
			refs[refID] = ref.RemoteID
		case ref.Operation == OperationDelete && ref.State.IsActive():
			return nil, false, fmt.Sprintf("referenced %s %s is being deleted", ref.Kind, refID)
		default:
			return nil, false, ""
		}
	}
	return refs, true, ""
}

func (o *Orchestrator) issue(ctx context.Context, r *ManagedResource) {
	var refs map[string]string
	if r.Operation != OperationDelete {
		var ready bool
		var reason string
		refs, ready, reason = o.resolveReferences(ctx, r)
		if reason != "" {
			o.fail(ctx, r, Failed(reason))
			return
		}
		if !ready {
			o.enqueueAfter(r.ID, o.cfg.ReferenceRetryInterval)
			return
		}
	}
	o.issueWithRefs(ctx, r, refs)
}

// issueWithRefs performs the gateway call of an in-flight resource and
// persists the returned handle.
func (o *Orchestrator) issueWithRefs(ctx context.Context, r *ManagedResource, refs map[string]string) {
	if r.Operation == OperationDelete && r.RemoteID == "" {
		// Nothing was ever created remotely.
		if err := o.commit(ctx, r, Succeeded("")); err != nil {
			o.logger.Error().Err(err).Str("resource_id", r.ID).Msg("Failed to remove resource")
		}
		return
	}

	handle, err := o.callGateway(ctx, r, func(ctx context.Context) (*OperationHandle, error) {
		switch r.Operation {
		case OperationCreate:
			return o.gateway.Create(ctx, r.Token, r.Spec, refs)
		case OperationUpdate:
			return o.gateway.Modify(ctx, r.Token, r.RemoteID, r.Spec)
		default:
			return o.gateway.Delete(ctx, r.Token, r.Kind, r.RemoteID)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the call is reissued with the same token on restart.
			return
		}
		o.fail(ctx, r, Failed(remoteReason(err)))
		return
	}

	next := r.Clone()
	next.Handle = handle
	next.UpdatedAt = o.clock.Now().UTC()
	if err := o.store.UpdateResource(ctx, next, nil); err != nil {
		o.logger.Error().Err(err).Str("resource_id", r.ID).Msg("Failed to persist operation handle")
		return
	}
	*r = *next
	o.startPolling(r.ID)
}

func (o *Orchestrator) callGateway(
	ctx context.Context,
	r *ManagedResource,
	call func(ctx context.Context) (*OperationHandle, error),
) (*OperationHandle, error) {
	var handle *OperationHandle
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			handle, err = call(ctx)
			return err
		},
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			o.logger.Debug().Err(err).
				Str("resource_id", r.ID).
				Int("attempt", attempt).
				Msg("Transient gateway error")
		},
		Attempts:    o.cfg.GatewayRetryAttempts,
		Delay:       o.cfg.GatewayRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       o.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, retry.LastError(err)
	}
	return handle, nil
}

// remoteReason extracts the message to record on the resource.
func remoteReason(err error) string {
	if e, ok := err.(*EngineError); ok && e.Class == ErrorClassRemoteFailed {
		return e.Message
	}
	return err.Error()
}

func (o *Orchestrator) fail(ctx context.Context, r *ManagedResource, event LifecycleEvent) {
	if err := o.commit(ctx, r, event); err != nil {
		o.logger.Error().Err(err).Str("resource_id", r.ID).Msg("Failed to record failure")
		return
	}
	o.logger.Warn().
		Str("resource_id", r.ID).
		Str("kind", string(r.Kind)).
		Str("operation", string(r.Operation)).
		Str("reason", r.ErrorMessage).
		Msg("Operation failed")

	if r.State == StateErred && r.CancelRequested {
		o.deleteCancelled(ctx, r)
	}
}

// startPolling runs the poll loop of id unless one is already running.
func (o *Orchestrator) startPolling(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.group == nil || o.ctx == nil {
		return
	}
	if _, ok := o.polling[id]; ok {
		// The running loop may be about to exit after the previous operation.
		o.rearm[id] = struct{}{}
		return
	}
	o.polling[id] = struct{}{}
	ctx := o.ctx
	o.group.Go(func() error {
		o.pollLoop(ctx, id)

		o.mu.Lock()
		delete(o.polling, id)
		_, again := o.rearm[id]
		delete(o.rearm, id)
		o.mu.Unlock()
		if again && ctx.Err() == nil {
			o.startPolling(id)
		}
		return nil
	})
}

// pollLoop polls until the operation ends. The resource lock is only held
// while a poll result is applied, never across the wait.
func (o *Orchestrator) pollLoop(ctx context.Context, id string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(o.cfg.PollInterval):
		}
		if o.pollOnce(ctx, id) {
			return
		}
	}
}

// pollOnce returns true when polling of id is finished. The gateway is
// polled without the resource lock; the result is applied only if the
// resource still waits on the same handle.
func (o *Orchestrator) pollOnce(ctx context.Context, id string) bool {
	o.locks.Lock(id)
	r, err := o.store.GetResource(ctx, id)
	if err != nil {
		o.locks.Unlock(id)
		return IsNotFound(err) || ctx.Err() != nil
	}
	if !r.State.IsInFlight() || r.Handle == nil {
		o.locks.Unlock(id)
		return true
	}
	if r.OperationStartedAt != nil && o.clock.Now().Sub(*r.OperationStartedAt) > o.cfg.OperationTimeout {
		o.fail(ctx, r, TimedOut(timeoutMessage(r.Operation)))
		o.locks.Unlock(id)
		return true
	}
	handle := *r.Handle
	o.locks.Unlock(id)

	// A transient error is retried by the next round of pollLoop.
	result, pollErr := o.gateway.Poll(ctx, &handle)

	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	r, err = o.store.GetResource(ctx, id)
	if err != nil {
		return IsNotFound(err) || ctx.Err() != nil
	}
	if !r.State.IsInFlight() {
		return true
	}
	if r.Handle == nil || r.Handle.ID != handle.ID {
		// Superseded while the lock was released.
		return false
	}

	if pollErr != nil {
		if ctx.Err() != nil {
			return true
		}
		if IsTransient(pollErr) {
			// The cloud is unreachable; silence is never success.
			o.logger.Warn().Err(pollErr).Str("resource_id", id).Msg("Poll failed, will retry")
			return false
		}
		o.fail(ctx, r, Failed(remoteReason(pollErr)))
		return true
	}

	switch result.Status {
	case PollSucceeded:
		if err := o.commit(ctx, r, Succeeded(result.RemoteID)); err != nil {
			o.logger.Error().Err(err).Str("resource_id", id).Msg("Failed to record success")
			if IsValidation(err) || IsConflict(err) {
				o.fail(ctx, r, Failed(err.Error()))
			}
			return true
		}
		if r.State == StateOK && r.CancelRequested {
			o.deleteCancelled(ctx, r)
		}
		return true
	case PollFailed:
		o.fail(ctx, r, Failed(result.Reason))
		return true
	default:
		return false
	}
}

// deleteCancelled schedules deletion of a resource whose create or update
// was cancelled while in flight. An OK resource is scheduled for deletion,
// an Erred one is rescheduled for it. The caller holds the resource lock.
func (o *Orchestrator) deleteCancelled(ctx context.Context, r *ManagedResource) {
	event := LifecycleEvent{Kind: EventScheduleDeletion}
	if r.State == StateErred {
		event = Reschedule(OperationDelete)
	}
	err := o.scheduleLocked(ctx, r, event, func(next *ManagedResource) error {
		next.CancelRequested = false
		return nil
	})
	if err != nil {
		// Admission may be saturated; reconcile retries.
		o.logger.Warn().Err(err).Str("resource_id", r.ID).Msg("Failed to schedule deletion of cancelled resource")
		return
	}
	o.enqueue(r.ID)
}

func timeoutMessage(op OperationType) string {
	switch op {
	case OperationUpdate:
		return "Update is timed out."
	case OperationDelete:
		return "Deletion is timed out."
	default:
		return "Provisioning is timed out."
	}
}

func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	o.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(o.cfg.ReconcileInterval):
			o.Reconcile(ctx)
		}
	}
}

// Reconcile rebuilds the admission counters from the store, then
// re-enqueues every resource with pending work.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	o.syncCounters(ctx)

	states := []ResourceState{StateOK, StateErred}
	for _, s := range AllStates {
		if s.IsActive() {
			states = append(states, s)
		}
	}
	resources, err := o.store.ListResources(ctx, ResourceFilter{States: states})
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("Reconcile failed to list resources")
		}
		return
	}

	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].CreatedAt.Before(resources[j].CreatedAt)
	})
	n := 0
	for _, r := range resources {
		if r.Kind.IsComposite() || (!r.State.IsActive() && !r.CancelRequested) {
			continue
		}
		if r.State.IsInFlight() && r.Handle != nil {
			o.startPolling(r.ID)
		} else {
			o.enqueue(r.ID)
		}
		n++
	}
	if n > 0 {
		o.logger.Debug().Int("resources", n).Msg("Reconciled pending resources")
	}
}

// syncCounters recomputes usage and pending per tenant and kind from the
// stored resources and hands them to the admitter, repairing counts left
// behind when the process stopped between a store write and its admission
// or release. Admissions wait while the snapshot is taken.
func (o *Orchestrator) syncCounters(ctx context.Context) {
	syncer, ok := o.admitter.(CounterSyncer)
	if !ok {
		return
	}

	o.accounting.Lock()
	defer o.accounting.Unlock()

	resources, err := o.store.ListResources(ctx, ResourceFilter{})
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("Failed to list resources for counter sync")
		}
		return
	}
	if err := syncer.SyncCounters(ctx, TallyCounters(resources)); err != nil && ctx.Err() == nil {
		o.logger.Error().Err(err).Msg("Failed to sync admission counters")
	}
}
