package topology

import (
	"slices"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
)

// edges is the device state machine from spec.md §4.11, kept as data rather
// than scattered across the four operation kinds, the same way the
// teacher's pkg/orchestration/statemachine.go centralizes its (narrower)
// task state machine in one validTransitions table.
var edges = map[device.State][]command.Transition{
	device.Idle:                {command.InitDevice, command.End},
	device.InitializingDevice:  {command.CompleteInit},
	device.Initialized:         {command.Bind},
	device.Bound:               {command.Connect},
	device.DeviceReady:         {command.InitTask, command.ResetDevice},
	device.Ready:                {command.Run, command.ResetTask},
	device.Running:              {command.Stop},
}

// ValidTransitionsFrom reports the transitions legal from a given state,
// per the diagram in spec.md §4.11. ErrorFound is legal from any state and
// is intentionally omitted from the table (callers should special-case it).
func ValidTransitionsFrom(s device.State) []command.Transition {
	return edges[s]
}

// IsLegalFrom reports whether transition t is a documented edge out of s,
// or the universal ErrorFound edge. This is advisory only: spec.md §4.7
// makes the device the authority on whether a transition is accepted (via
// TransitionStatus{Failure}); the core never blocks a ChangeState call on
// this check, and nothing in the module calls it.
func IsLegalFrom(s device.State, t command.Transition) bool {
	if t == command.ErrorFound {
		return true
	}

	return slices.Contains(edges[s], t)
}
