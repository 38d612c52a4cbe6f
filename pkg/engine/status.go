package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceState is the canonical lifecycle state of a managed resource.
// Display names for external consumers live in the label table (labels.go).
type ResourceState string

const (
	// StateCreationScheduled indicates the create intent was admitted and is queued.
	StateCreationScheduled ResourceState = "creation_scheduled"

	// StateCreating indicates the create operation is in flight.
	StateCreating ResourceState = "creating"

	// StateOK indicates the resource exists and no operation is pending.
	StateOK ResourceState = "ok"

	// StateUpdateScheduled indicates an update intent is queued.
	StateUpdateScheduled ResourceState = "update_scheduled"

	// StateUpdating indicates the update operation is in flight.
	StateUpdating ResourceState = "updating"

	// StateDeletionScheduled indicates a deletion intent is queued.
	StateDeletionScheduled ResourceState = "deletion_scheduled"

	// StateDeleting indicates the delete operation is in flight.
	StateDeleting ResourceState = "deleting"

	// StateErred indicates the last operation failed or timed out.
	// Only an operator re-schedule leaves this state.
	StateErred ResourceState = "erred"

	// StateDeleted is never persisted. Transition returns it when the
	// record must be removed after a confirmed remote deletion.
	StateDeleted ResourceState = "deleted"
)

// AllStates lists every persisted state.
var AllStates = []ResourceState{
	StateCreationScheduled, StateCreating, StateOK,
	StateUpdateScheduled, StateUpdating,
	StateDeletionScheduled, StateDeleting, StateErred,
}

// IsScheduled returns true for the queued states that have no remote effect yet.
func (s ResourceState) IsScheduled() bool {
	return s == StateCreationScheduled || s == StateUpdateScheduled || s == StateDeletionScheduled
}

// IsInFlight returns true while a remote operation is outstanding.
func (s ResourceState) IsInFlight() bool {
	return s == StateCreating || s == StateUpdating || s == StateDeleting
}

// IsActive returns true for states that count against concurrency limits.
func (s ResourceState) IsActive() bool {
	return s.IsScheduled() || s.IsInFlight()
}

// IsStable returns true for OK and Erred, where the engine has nothing to do.
func (s ResourceState) IsStable() bool {
	return s == StateOK || s == StateErred
}

// Validate checks if the state is a persisted state.
func (s ResourceState) Validate() error {
	for _, known := range AllStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid resource state: %s", s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation. The
// empty state and StateDeleted are accepted because transition records and
// events carry them at either end of a lifecycle.
func (s *ResourceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceState(str)
	if *s == "" || *s == StateDeleted {
		return nil
	}
	return s.Validate()
}

// Kind identifies the type of cloud object under lifecycle control.
type Kind string

const (
	KindInstance      Kind = "instance"
	KindVolume        Kind = "volume"
	KindSnapshot      Kind = "snapshot"
	KindBackup        Kind = "backup"
	KindSecurityGroup Kind = "security_group"
)

// AllKinds lists every supported kind.
var AllKinds = []Kind{KindInstance, KindVolume, KindSnapshot, KindBackup, KindSecurityGroup}

// IsComposite returns true for kinds assembled from other resources rather
// than provisioned by a single remote call.
func (k Kind) IsComposite() bool {
	return k == KindBackup
}

// Validate checks if the kind is supported.
func (k Kind) Validate() error {
	for _, known := range AllKinds {
		if k == known {
			return nil
		}
	}
	return fmt.Errorf("invalid resource kind: %s", k)
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// OperationType is the remote operation a scheduled or in-flight state belongs to.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ScheduledState returns the queued state for the operation.
func (o OperationType) ScheduledState() ResourceState {
	switch o {
	case OperationUpdate:
		return StateUpdateScheduled
	case OperationDelete:
		return StateDeletionScheduled
	default:
		return StateCreationScheduled
	}
}

// InFlightState returns the in-flight state for the operation.
func (o OperationType) InFlightState() ResourceState {
	switch o {
	case OperationUpdate:
		return StateUpdating
	case OperationDelete:
		return StateDeleting
	default:
		return StateCreating
	}
}

// operationFor maps an active state back to its operation.
func operationFor(s ResourceState) OperationType {
	switch s {
	case StateUpdateScheduled, StateUpdating:
		return OperationUpdate
	case StateDeletionScheduled, StateDeleting:
		return OperationDelete
	default:
		return OperationCreate
	}
}

// PollStatus is the outcome reported by the gateway for an outstanding operation.
type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollSucceeded PollStatus = "succeeded"
	PollFailed    PollStatus = "failed"
)

// EventType names the notifications published on every state change.
type EventType string

const (
	EventTypeResourceAdmitted  EventType = "resource.admitted"
	EventTypeResourceChanged   EventType = "resource.state_changed"
	EventTypeResourceErred     EventType = "resource.erred"
	EventTypeResourceRemoved   EventType = "resource.removed"
	EventTypeResourceCancelled EventType = "resource.cancelled"
	EventTypeBackupCompleted   EventType = "backup.completed"
	EventTypeBackupFailed      EventType = "backup.failed"
	EventTypeRestorationState  EventType = "restoration.state_changed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeResourceErred, EventTypeBackupFailed:
		return "error"
	case EventTypeResourceCancelled:
		return "warning"
	default:
		return "info"
	}
}
