package orchestrator

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTool indicates an action name outside the closed vocabulary.
// The model is told the vocabulary in its prompt; anything else is refused,
// never improvised around.
var ErrUnknownTool = errors.New("unknown tool")

// ActionName identifies one executable department action.
type ActionName string

// The closed action vocabulary. Execution belongs to the department
// controller; this layer only decides and validates.
const (
	ActionAdmit                  ActionName = "admit_patient"
	ActionAssignWaitingRoom      ActionName = "assign_waiting_room"
	ActionStartTransportConsult  ActionName = "start_transport_to_consult"
	ActionFinishTransportConsult ActionName = "finish_transport_to_consult"
	ActionEndConsultAndRoute     ActionName = "end_consult_and_route"
	ActionStartTransportUnit     ActionName = "start_transport_to_unit"
	ActionFinishTransportUnit    ActionName = "finish_transport_to_unit"
	ActionDischarge              ActionName = "discharge_patient"
	ActionAssignRoomWatch        ActionName = "assign_room_watch"
	ActionReconcileWatchDuty     ActionName = "reconcile_watch_duty"
)

// actionSpecs maps each action to its required argument keys.
var actionSpecs = map[ActionName][]string{
	ActionAdmit:                  {"name", "complaint", "severity"},
	ActionAssignWaitingRoom:      {"patient_id", "room_id"},
	ActionStartTransportConsult:  {"patient_id", "staff_id"},
	ActionFinishTransportConsult: {"patient_id", "room_id"},
	ActionEndConsultAndRoute:     {"patient_id", "disposition"},
	ActionStartTransportUnit:     {"patient_id", "unit"},
	ActionFinishTransportUnit:    {"patient_id"},
	ActionDischarge:              {"patient_id"},
	ActionAssignRoomWatch:        {"staff_id", "room_id"},
	ActionReconcileWatchDuty:     {},
}

// Action is one validated action proposal.
type Action struct {
	Name ActionName        `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// ValidateAction checks the action name against the vocabulary and that all
// required arguments are present and non-empty.
func ValidateAction(a Action) error {
	required, ok := actionSpecs[a.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, a.Name)
	}
	for _, key := range required {
		if a.Args[key] == "" {
			return fmt.Errorf("action %s: missing argument %q", a.Name, key)
		}
	}
	return nil
}

// ActionNames returns the vocabulary in stable order, for prompts and docs.
func ActionNames() []string {
	names := make([]string, 0, len(actionSpecs))
	for name := range actionSpecs {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
