package engine

import (
	"testing"
)

func TestTransition_Valid(t *testing.T) {
	tests := []struct {
		from  ResourceState
		event LifecycleEvent
		want  ResourceState
	}{
		{StateCreationScheduled, Accepted(), StateCreating},
		{StateUpdateScheduled, Accepted(), StateUpdating},
		{StateDeletionScheduled, Accepted(), StateDeleting},
		{StateCreating, Succeeded("r-1"), StateOK},
		{StateUpdating, Succeeded(""), StateOK},
		{StateDeleting, Succeeded(""), StateDeleted},
		{StateCreating, Failed("boom"), StateErred},
		{StateCreationScheduled, Failed("dependency erred"), StateErred},
		{StateDeleting, Failed("boom"), StateErred},
		{StateUpdating, TimedOut("late"), StateErred},
		{StateOK, LifecycleEvent{Kind: EventScheduleUpdate}, StateUpdateScheduled},
		{StateOK, LifecycleEvent{Kind: EventScheduleDeletion}, StateDeletionScheduled},
		{StateErred, Reschedule(OperationCreate), StateCreationScheduled},
		{StateErred, Reschedule(OperationUpdate), StateUpdateScheduled},
		{StateErred, Reschedule(OperationDelete), StateDeletionScheduled},
		{StateCreationScheduled, Cancel(), StateDeleted},
		{StateUpdateScheduled, Cancel(), StateOK},
		{StateDeletionScheduled, Cancel(), StateOK},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			if err != nil {
				t.Fatalf("Transition() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Transition() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransition_Invalid(t *testing.T) {
	tests := []struct {
		from  ResourceState
		event LifecycleEvent
	}{
		{StateOK, Accepted()},
		{StateCreating, Accepted()},
		{StateCreationScheduled, Succeeded("r-1")},
		{StateOK, Failed("boom")},
		{StateErred, Failed("boom")},
		{StateCreationScheduled, TimedOut("late")},
		{StateCreating, LifecycleEvent{Kind: EventScheduleUpdate}},
		{StateErred, LifecycleEvent{Kind: EventScheduleDeletion}},
		{StateOK, Reschedule(OperationUpdate)},
		{StateErred, Reschedule("noop")},
		{StateCreating, Cancel()},
		{StateOK, Cancel()},
		{StateErred, Cancel()},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event.String(), func(t *testing.T) {
			_, err := Transition(tt.from, tt.event)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
			if code := ErrorCode(err); code != ErrCodeInvalidTransition {
				t.Errorf("code = %s, want %s", code, ErrCodeInvalidTransition)
			}
		})
	}
}

// Erred is only left through an operator reschedule.
func TestTransition_ErredOnlyLeavesViaReschedule(t *testing.T) {
	for _, kind := range []EventKind{
		EventAccepted, EventSucceeded, EventFailed, EventTimedOut,
		EventScheduleUpdate, EventScheduleDeletion, EventCancel,
	} {
		if _, err := Transition(StateErred, LifecycleEvent{Kind: kind, Operation: OperationUpdate}); err == nil {
			t.Errorf("event %s left Erred", kind)
		}
	}
}

func TestApply_RemoteIDSetOnce(t *testing.T) {
	r := &ManagedResource{ID: "r", Kind: KindInstance, State: StateCreationScheduled, Operation: OperationCreate}

	if _, err := Apply(r, Accepted()); err != nil {
		t.Fatalf("Accepted: %v", err)
	}
	if r.RemoteID != "" {
		t.Fatalf("remote id set before success: %q", r.RemoteID)
	}
	if _, err := Apply(r, Succeeded("nova-1")); err != nil {
		t.Fatalf("Succeeded: %v", err)
	}
	if r.RemoteID != "nova-1" {
		t.Fatalf("RemoteID = %q, want nova-1", r.RemoteID)
	}

	// An update never changes the remote id.
	for _, ev := range []LifecycleEvent{{Kind: EventScheduleUpdate}, Accepted(), Succeeded("other")} {
		if _, err := Apply(r, ev); err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
	}
	if r.RemoteID != "nova-1" {
		t.Errorf("RemoteID changed by update to %q", r.RemoteID)
	}
}

func TestApply_CreateSuccessRequiresRemoteID(t *testing.T) {
	r := &ManagedResource{ID: "r", Kind: KindVolume, State: StateCreating, Operation: OperationCreate}

	if _, err := Apply(r, Succeeded("")); err == nil {
		t.Fatal("expected error for success without remote id")
	}
	if r.State != StateCreating {
		t.Errorf("state changed to %s on rejected event", r.State)
	}
}

func TestApply_FailureRecordsMessage(t *testing.T) {
	r := &ManagedResource{
		ID:        "r",
		Kind:      KindVolume,
		State:     StateCreating,
		Operation: OperationCreate,
		Handle:    &OperationHandle{ID: "h"},
	}

	if _, err := Apply(r, Failed("No valid host was found.")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if r.State != StateErred {
		t.Errorf("State = %s, want erred", r.State)
	}
	if r.ErrorMessage != "No valid host was found." {
		t.Errorf("ErrorMessage = %q", r.ErrorMessage)
	}
	if r.Handle != nil {
		t.Error("handle not cleared")
	}

	// Reschedule clears the error.
	if _, err := Apply(r, Reschedule(OperationCreate)); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if r.ErrorMessage != "" || r.State != StateCreationScheduled {
		t.Errorf("after reschedule: state=%s message=%q", r.State, r.ErrorMessage)
	}
}

func TestApply_RescheduleCreateRejectedWhenRemoteExists(t *testing.T) {
	r := &ManagedResource{ID: "r", Kind: KindVolume, State: StateErred, RemoteID: "v-1", Operation: OperationUpdate}

	if _, err := Apply(r, Reschedule(OperationCreate)); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := Apply(r, Reschedule(OperationDelete)); err != nil {
		t.Fatalf("Reschedule delete: %v", err)
	}
	if r.Operation != OperationDelete {
		t.Errorf("Operation = %s, want delete", r.Operation)
	}
}

func TestApply_CreateTokenSurvivesTimeoutOnly(t *testing.T) {
	r := &ManagedResource{ID: "r", Kind: KindVolume, State: StateCreating, Operation: OperationCreate, Token: "r"}
	if _, err := Apply(r, TimedOut("Provisioning is timed out.")); err != nil {
		t.Fatalf("TimedOut: %v", err)
	}
	if r.Token != "r" {
		t.Errorf("Token = %q after timeout, want kept", r.Token)
	}

	r = &ManagedResource{ID: "r", Kind: KindVolume, State: StateCreating, Operation: OperationCreate, Token: "r"}
	if _, err := Apply(r, Failed("No valid host was found.")); err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if r.Token != "" {
		t.Errorf("Token = %q after failure, want cleared", r.Token)
	}

	r = &ManagedResource{ID: "r", Kind: KindVolume, State: StateDeleting, Operation: OperationDelete, RemoteID: "v-1", Token: "d"}
	if _, err := Apply(r, Failed("busy")); err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if r.Token != "d" {
		t.Errorf("Token = %q after failed delete, want kept", r.Token)
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		kind    Kind
		state   ResourceState
		version LabelVersion
		name    string
		code    int
	}{
		{KindInstance, StateCreationScheduled, LabelsCurrent, "Creation Scheduled", 5},
		{KindInstance, StateCreating, LabelsCurrent, "Creating", 6},
		{KindInstance, StateUpdateScheduled, LabelsCurrent, "Update Scheduled", 1},
		{KindInstance, StateUpdating, LabelsCurrent, "Updating", 2},
		{KindInstance, StateDeletionScheduled, LabelsCurrent, "Deletion Scheduled", 7},
		{KindInstance, StateDeleting, LabelsCurrent, "Deleting", 8},
		{KindInstance, StateOK, LabelsCurrent, "OK", 3},
		{KindInstance, StateErred, LabelsCurrent, "Erred", 4},
		{KindBackup, StateCreating, LabelsLegacyBackup, "backing_up", 6},
		{KindBackup, StateUpdating, LabelsLegacyBackup, "restoring", 2},
		{KindBackup, StateOK, LabelsLegacyBackup, "ready", 3},
		{KindBackup, StateDeleting, LabelsLegacyBackup, "deleting", 8},
		{KindBackup, StateErred, LabelsLegacyBackup, "erred", 4},
		{KindBackup, StateCreationScheduled, LabelsLegacyBackup, "Creation Scheduled", 5},
		{KindVolume, StateOK, LabelsLegacyBackup, "OK", 3},
	}

	for _, tt := range tests {
		got := Label(tt.kind, tt.state, tt.version)
		if got.Name != tt.name || got.Code != tt.code {
			t.Errorf("Label(%s, %s, %s) = %+v, want %s/%d", tt.kind, tt.state, tt.version, got, tt.name, tt.code)
		}
	}
}

func TestResourceState_JSON(t *testing.T) {
	var s ResourceState
	if err := s.UnmarshalJSON([]byte(`"creating"`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if s != StateCreating {
		t.Errorf("got %s", s)
	}
	if err := s.UnmarshalJSON([]byte(`"Creating"`)); err == nil {
		t.Error("display label accepted as state")
	}
	if err := s.UnmarshalJSON([]byte(`"deleted"`)); err != nil || s != StateDeleted {
		t.Errorf("deleted rejected in a transition record: %v", err)
	}
	if err := s.UnmarshalJSON([]byte(`""`)); err != nil || s != "" {
		t.Errorf("empty origin state rejected: %v", err)
	}
	if StateDeleted.Validate() == nil {
		t.Error("deleted accepted as persisted state")
	}
}
