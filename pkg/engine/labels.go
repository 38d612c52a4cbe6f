package engine

import "fmt"

// LabelVersion selects a display vocabulary for states.
type LabelVersion string

const (
	// LabelsCurrent is the vocabulary shared by every kind.
	LabelsCurrent LabelVersion = "current"

	// LabelsLegacyBackup is the vocabulary older backup clients expect.
	// States it does not name fall back to LabelsCurrent.
	LabelsLegacyBackup LabelVersion = "legacy-backup"
)

// StateLabel is the external representation of a state.
type StateLabel struct {
	Name string `json:"name"`
	Code int    `json:"code"`
}

var currentLabels = map[ResourceState]StateLabel{
	StateUpdateScheduled:   {Name: "Update Scheduled", Code: 1},
	StateUpdating:          {Name: "Updating", Code: 2},
	StateOK:                {Name: "OK", Code: 3},
	StateErred:             {Name: "Erred", Code: 4},
	StateCreationScheduled: {Name: "Creation Scheduled", Code: 5},
	StateCreating:          {Name: "Creating", Code: 6},
	StateDeletionScheduled: {Name: "Deletion Scheduled", Code: 7},
	StateDeleting:          {Name: "Deleting", Code: 8},
}

var legacyBackupLabels = map[ResourceState]string{
	StateCreating: "backing_up",
	StateUpdating: "restoring",
	StateOK:       "ready",
	StateDeleting: "deleting",
	StateErred:    "erred",
}

// Label returns the display label of state for kind in the requested
// vocabulary. Labels are output only; nothing parses them back.
func Label(kind Kind, state ResourceState, version LabelVersion) StateLabel {
	label, ok := currentLabels[state]
	if !ok {
		label = StateLabel{Name: string(state)}
	}
	if version == LabelsLegacyBackup && kind == KindBackup {
		if name, ok := legacyBackupLabels[state]; ok {
			label.Name = name
		}
	}
	return label
}

// ParseLabelVersion validates a version requested by a client. Empty
// selects LabelsCurrent.
func ParseLabelVersion(s string) (LabelVersion, error) {
	switch LabelVersion(s) {
	case "", LabelsCurrent:
		return LabelsCurrent, nil
	case LabelsLegacyBackup:
		return LabelsLegacyBackup, nil
	default:
		return "", fmt.Errorf("unknown label version: %s", s)
	}
}
