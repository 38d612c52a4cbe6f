package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ManagedResource is a cloud object under lifecycle control.
type ManagedResource struct {
	// ID is the platform-assigned identifier.
	ID string `json:"id"`

	// Kind is the type of cloud object.
	Kind Kind `json:"kind"`

	// RemoteID is the identifier assigned by the cloud. It is empty until a
	// create succeeds and is never changed afterwards.
	RemoteID string `json:"remote_id,omitempty"`

	// State is the canonical lifecycle state.
	State ResourceState `json:"state"`

	// Tenant owns the resource and is charged for it.
	Tenant string `json:"tenant"`

	// Spec is the desired configuration.
	Spec Spec `json:"spec"`

	// Operation is the operation the current scheduled or in-flight state
	// belongs to, or the last operation attempted when stable.
	Operation OperationType `json:"operation"`

	// Token is the idempotency token for the current operation. A create
	// starts with the resource id and keeps it across reschedules unless the
	// create failed outright; updates and deletions get a new token each
	// time they are scheduled.
	Token string `json:"token,omitempty"`

	// Handle is the pollable handle of the outstanding remote operation.
	Handle *OperationHandle `json:"handle,omitempty"`

	// OperationStartedAt is when the outstanding operation was accepted.
	OperationStartedAt *time.Time `json:"operation_started_at,omitempty"`

	// ErrorMessage is set only in Erred.
	ErrorMessage string `json:"error_message,omitempty"`

	// ParentID links constituent snapshots to their backup and restored
	// resources to their restoration.
	ParentID string `json:"parent_id,omitempty"`

	// CancelRequested records an operator cancel that arrived while the
	// create was in flight.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// CreatedAt is when the resource was admitted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the resource last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// SetRemoteID records the cloud identifier. Once set it cannot be changed.
func (r *ManagedResource) SetRemoteID(remoteID string) error {
	if remoteID == "" {
		return NewValidationError("create succeeded without a remote id", nil).WithResource(r.ID)
	}
	if r.RemoteID != "" && r.RemoteID != remoteID {
		return NewConflictError(ErrCodeValidation,
			fmt.Sprintf("remote id already set to %s, refusing %s", r.RemoteID, remoteID)).
			WithResource(r.ID)
	}
	r.RemoteID = remoteID
	return nil
}

// Clone returns a shallow copy safe to mutate without touching r.
func (r *ManagedResource) Clone() *ManagedResource {
	c := *r
	if r.Handle != nil {
		h := *r.Handle
		c.Handle = &h
	}
	if r.OperationStartedAt != nil {
		t := *r.OperationStartedAt
		c.OperationStartedAt = &t
	}
	return &c
}

// UnmarshalJSON decodes the spec according to the resource kind.
func (r *ManagedResource) UnmarshalJSON(data []byte) error {
	type plain ManagedResource
	var aux struct {
		plain
		Spec json.RawMessage `json:"spec"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ManagedResource(aux.plain)
	if len(aux.Spec) > 0 && string(aux.Spec) != "null" {
		spec, err := NewSpec(r.Kind)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(aux.Spec, spec); err != nil {
			return fmt.Errorf("failed to decode %s spec: %w", r.Kind, err)
		}
		r.Spec = spec
	}
	return nil
}

// OperationHandle identifies an outstanding remote operation so polling
// can resume after a restart.
type OperationHandle struct {
	// ID is the gateway-specific operation identifier.
	ID string `json:"id"`

	// Kind is the kind of the resource being operated on.
	Kind Kind `json:"kind"`

	// Operation is the operation in flight.
	Operation OperationType `json:"operation"`

	// RemoteID is the remote object the operation acts on, when known.
	RemoteID string `json:"remote_id,omitempty"`

	// Token is the idempotency token the operation was issued with.
	Token string `json:"token"`

	// IssuedAt is when the gateway accepted the call.
	IssuedAt time.Time `json:"issued_at"`
}

// PollResult is the gateway's view of an outstanding operation.
type PollResult struct {
	Status PollStatus `json:"status"`

	// RemoteID is set on a successful create.
	RemoteID string `json:"remote_id,omitempty"`

	// Reason is the cloud's failure reason, recorded verbatim.
	Reason string `json:"reason,omitempty"`
}

// BackupRestoration is one restore of a backup into new resources.
type BackupRestoration struct {
	ID       string `json:"id"`
	BackupID string `json:"backup_id"`
	Tenant   string `json:"tenant"`

	// CreatedResourceIDs lists the restored volumes first, then the
	// instance that attaches them.
	CreatedResourceIDs []string `json:"created_resource_ids"`

	// State is one of CreationScheduled, Creating, OK or Erred.
	State        ResourceState `json:"state"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// TransitionRecord is the audit entry written with every committed transition.
type TransitionRecord struct {
	ID         int64         `json:"id,omitempty"`
	ResourceID string        `json:"resource_id"`
	Kind       Kind          `json:"kind"`
	From       ResourceState `json:"from"`
	To         ResourceState `json:"to"`
	Event      string        `json:"event"`
	Message    string        `json:"message,omitempty"`
	At         time.Time     `json:"at"`
}

// ResourceFilter selects resources in ListResources. Zero fields match everything.
type ResourceFilter struct {
	Tenant   string
	Kind     Kind
	States   []ResourceState
	ParentID string

	// UpdatedBefore matches resources whose last change is older than this.
	UpdatedBefore time.Time
}

// Intent is a request to bring a new resource into existence.
type Intent struct {
	Tenant string `json:"tenant"`
	Spec   Spec   `json:"spec"`

	// ParentID is copied to the created resource.
	ParentID string `json:"parent_id,omitempty"`

	// ID may be preset by callers that must know the id before submission.
	ID string `json:"id,omitempty"`
}

// AdmissionRequest asks the admission controller for capacity.
type AdmissionRequest struct {
	Kind      Kind          `json:"kind"`
	Operation OperationType `json:"operation"`
	Delta     int           `json:"delta"`

	// Existing marks a create retried on a resource that already counts
	// toward usage. Only the concurrency ceiling applies.
	Existing bool `json:"existing,omitempty"`
}

// Outcome is how an admitted operation ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is a notification published after a committed transition.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// ResourceID is the resource that changed.
	ResourceID string `json:"resource_id"`

	// Kind is the kind of the resource.
	Kind Kind `json:"kind"`

	// Tenant owns the resource.
	Tenant string `json:"tenant"`

	// From and To are the states around the transition.
	From ResourceState `json:"from,omitempty"`
	To   ResourceState `json:"to,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// QuotaCounter is the admission state of one kind for one tenant.
type QuotaCounter struct {
	Tenant string `json:"tenant"`
	Kind   Kind   `json:"kind"`

	// Usage counts resources that exist, whatever their state.
	Usage int `json:"usage"`

	// Pending counts resources in a scheduled or in-flight state.
	Pending int `json:"pending"`

	// Limit is the explicit hard quota, or -1 when unset.
	Limit int `json:"limit"`
}

// NoLimit marks a QuotaCounter without an explicit quota.
const NoLimit = -1

// TallyCounters counts resources per tenant and kind: every resource adds
// to usage, every scheduled or in-flight one to pending. Limits are left
// at NoLimit.
func TallyCounters(resources []*ManagedResource) []*QuotaCounter {
	type key struct {
		tenant string
		kind   Kind
	}
	byKey := make(map[key]*QuotaCounter)
	var out []*QuotaCounter
	for _, r := range resources {
		k := key{r.Tenant, r.Kind}
		qc, ok := byKey[k]
		if !ok {
			qc = &QuotaCounter{Tenant: r.Tenant, Kind: r.Kind, Limit: NoLimit}
			byKey[k] = qc
			out = append(out, qc)
		}
		qc.Usage++
		if r.State.IsActive() {
			qc.Pending++
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// BackupSchedule creates backups of one instance at a fixed interval.
type BackupSchedule struct {
	ID         string `json:"id"`
	Tenant     string `json:"tenant"`
	InstanceID string `json:"instance_id"`

	// Interval is the time between two backups.
	Interval time.Duration `json:"interval"`

	// Retention sets the kept-until of each backup relative to its creation.
	// Zero keeps backups until they are rotated out by MaxBackups.
	Retention time.Duration `json:"retention"`

	// MaxBackups is the number of scheduled backups kept. Zero keeps all.
	MaxBackups int `json:"max_backups"`

	IsActive      bool      `json:"is_active"`
	NextTriggerAt time.Time `json:"next_trigger_at"`

	// ErrorMessage explains why the schedule was deactivated.
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventFilter selects events in the persisted event log.
type EventFilter struct {
	ResourceID string
	Tenant     string
	Types      []EventType
	Limit      int
	Offset     int
}
