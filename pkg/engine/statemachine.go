package engine

import "fmt"

// EventKind identifies a lifecycle event fed into the state machine.
type EventKind string

const (
	// Engine events.
	EventAccepted  EventKind = "operation_accepted"
	EventSucceeded EventKind = "operation_succeeded"
	EventFailed    EventKind = "operation_failed"
	EventTimedOut  EventKind = "operation_timed_out"

	// Operator events.
	EventScheduleUpdate   EventKind = "schedule_update"
	EventScheduleDeletion EventKind = "schedule_deletion"
	EventReschedule       EventKind = "reschedule"
	EventCancel           EventKind = "cancel"
)

// LifecycleEvent is a single input to Transition.
type LifecycleEvent struct {
	// Kind selects the transition.
	Kind EventKind `json:"kind"`

	// RemoteID is reported with a successful create.
	RemoteID string `json:"remote_id,omitempty"`

	// Message carries the failure reason for Failed and TimedOut.
	Message string `json:"message,omitempty"`

	// Operation is the operation a Reschedule re-enters.
	Operation OperationType `json:"operation,omitempty"`
}

// Accepted returns the event committed right before a remote call is issued.
func Accepted() LifecycleEvent { return LifecycleEvent{Kind: EventAccepted} }

// Succeeded returns a success event. remoteID is only meaningful for creates.
func Succeeded(remoteID string) LifecycleEvent {
	return LifecycleEvent{Kind: EventSucceeded, RemoteID: remoteID}
}

// Failed returns a failure event with the reason recorded verbatim.
func Failed(message string) LifecycleEvent {
	return LifecycleEvent{Kind: EventFailed, Message: message}
}

// TimedOut returns the event raised when polling gives up.
func TimedOut(message string) LifecycleEvent {
	return LifecycleEvent{Kind: EventTimedOut, Message: message}
}

// Cancel returns the operator event that withdraws a queued operation.
func Cancel() LifecycleEvent { return LifecycleEvent{Kind: EventCancel} }

// Reschedule returns the operator event that moves an Erred resource back into a queue.
func Reschedule(op OperationType) LifecycleEvent {
	return LifecycleEvent{Kind: EventReschedule, Operation: op}
}

func (e LifecycleEvent) String() string {
	if e.Kind == EventReschedule {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Operation)
	}
	return string(e.Kind)
}

// Transition returns the state reached by applying event in state from.
// It is pure: it reads nothing but its arguments. StateDeleted means the
// record must be removed.
func Transition(from ResourceState, event LifecycleEvent) (ResourceState, error) {
	switch event.Kind {
	case EventAccepted:
		if from.IsScheduled() {
			return operationFor(from).InFlightState(), nil
		}

	case EventSucceeded:
		switch from {
		case StateCreating, StateUpdating:
			return StateOK, nil
		case StateDeleting:
			return StateDeleted, nil
		}

	case EventFailed:
		if from.IsActive() {
			return StateErred, nil
		}

	case EventTimedOut:
		if from.IsInFlight() {
			return StateErred, nil
		}

	case EventScheduleUpdate:
		if from == StateOK {
			return StateUpdateScheduled, nil
		}

	case EventScheduleDeletion:
		if from == StateOK {
			return StateDeletionScheduled, nil
		}

	case EventReschedule:
		if from == StateErred && event.Operation.Validate() == nil {
			return event.Operation.ScheduledState(), nil
		}

	case EventCancel:
		switch from {
		case StateCreationScheduled:
			return StateDeleted, nil
		case StateUpdateScheduled, StateDeletionScheduled:
			return StateOK, nil
		}
	}

	return "", NewInvalidTransitionError(from, event.Kind)
}

// Apply runs Transition against r and updates every field tied to the
// lifecycle: remote id, error message, current operation and handle.
// r is left untouched when the transition is rejected.
func Apply(r *ManagedResource, event LifecycleEvent) (ResourceState, error) {
	if event.Kind == EventReschedule && event.Operation == OperationCreate && r.RemoteID != "" {
		return "", NewInvalidTransitionError(r.State, event.Kind).
			WithResource(r.ID).
			WithDetail("reason", "resource already exists remotely")
	}

	to, err := Transition(r.State, event)
	if err != nil {
		return "", err.(*EngineError).WithResource(r.ID)
	}

	switch event.Kind {
	case EventSucceeded:
		if r.Operation == OperationCreate {
			if err := r.SetRemoteID(event.RemoteID); err != nil {
				return "", err
			}
		}
		r.Handle = nil
		r.OperationStartedAt = nil
	case EventFailed, EventTimedOut:
		msg := event.Message
		if msg == "" {
			msg = fmt.Sprintf("%s failed", r.Operation)
		}
		r.ErrorMessage = msg
		r.Handle = nil
		r.OperationStartedAt = nil
		if event.Kind == EventFailed && r.Operation == OperationCreate {
			// A timed-out create keeps its token so a retry adopts whatever
			// the cloud made; a failed one is retried under a new token.
			r.Token = ""
		}
	case EventScheduleUpdate:
		r.Operation = OperationUpdate
	case EventScheduleDeletion:
		r.Operation = OperationDelete
	case EventReschedule:
		r.Operation = event.Operation
		r.ErrorMessage = ""
		r.Handle = nil
		r.OperationStartedAt = nil
	case EventCancel:
		r.CancelRequested = false
	}

	r.State = to
	return to, nil
}
