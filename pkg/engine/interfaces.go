package engine

import (
	"context"
)

// Store persists managed resources and their transition history.
// Implementations must make each write atomic with its audit record.
type Store interface {
	// CreateResources inserts a batch of resources in one transaction.
	CreateResources(ctx context.Context, resources []*ManagedResource) error

	// GetResource retrieves a resource by ID.
	GetResource(ctx context.Context, id string) (*ManagedResource, error)

	// ListResources returns resources matching the filter, oldest first.
	ListResources(ctx context.Context, filter ResourceFilter) ([]*ManagedResource, error)

	// UpdateResource persists r and appends rec to the history.
	UpdateResource(ctx context.Context, r *ManagedResource, rec *TransitionRecord) error

	// DeleteResource removes the resource row and appends rec to the history.
	DeleteResource(ctx context.Context, id string, rec *TransitionRecord) error

	// ListTransitions returns the history of a resource in commit order.
	ListTransitions(ctx context.Context, resourceID string) ([]*TransitionRecord, error)
}

// Gateway performs remote operations against the cloud. Every call carries
// an idempotency token; repeating a token never yields a second remote
// side effect.
type Gateway interface {
	// Create issues the create of spec. refs maps referenced platform ids
	// to their remote ids.
	Create(ctx context.Context, token string, spec Spec, refs map[string]string) (*OperationHandle, error)

	// Delete issues the deletion of a remote object.
	Delete(ctx context.Context, token string, kind Kind, remoteID string) (*OperationHandle, error)

	// Modify issues an in-place update of a remote object.
	Modify(ctx context.Context, token string, remoteID string, spec Spec) (*OperationHandle, error)

	// Poll reports the status of an outstanding operation.
	Poll(ctx context.Context, handle *OperationHandle) (*PollResult, error)
}

// Admitter gates operations on per-tenant concurrency ceilings and quotas.
type Admitter interface {
	// Admit checks and reserves capacity for every request, or for none.
	Admit(ctx context.Context, tenant string, requests ...AdmissionRequest) error

	// Release returns the capacity reserved for one operation.
	Release(ctx context.Context, tenant string, kind Kind, op OperationType, outcome Outcome) error
}

// CounterSyncer is implemented by admitters whose counters can be rebuilt
// from the resources in the store.
type CounterSyncer interface {
	// SyncCounters replaces usage and pending of every tenant and kind with
	// the observed values. Kinds absent from observed are reset to zero.
	SyncCounters(ctx context.Context, observed []*QuotaCounter) error
}

// IntentPolicy rejects intents that break operator policy before admission.
type IntentPolicy interface {
	// CheckIntent returns a validation error listing every violation.
	CheckIntent(ctx context.Context, intent *Intent) error
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// TransitionHook is called synchronously after each committed transition.
// r reflects the committed state; removed resources carry StateDeleted.
type TransitionHook func(ctx context.Context, r *ManagedResource, rec *TransitionRecord)
