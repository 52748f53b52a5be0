package instance

import (
	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/types"
)

// allowedTransitions is the instance lifecycle edge set. Exited, failed
// and terminated are reachable from anywhere and handled separately.
var allowedTransitions = map[types.InstanceStatus][]types.InstanceStatus{
	types.StatusCreating:       {types.StatusCreated},
	types.StatusCreated:        {types.StatusStarting, types.StatusRunning},
	types.StatusStarting:       {types.StatusRunning},
	types.StatusRunning:        {types.StatusHealthChecking, types.StatusReady, types.StatusStopping},
	types.StatusHealthChecking: {types.StatusReady},
	types.StatusReady:          {types.StatusStopping, types.StatusRunning},
	types.StatusStopping:       {types.StatusStopped},
	types.StatusStopped:        {types.StatusStarting},
	types.StatusExited:         {types.StatusStarting},
	types.StatusFailed:         {},
	types.StatusTerminated:     {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge
func CanTransition(from, to types.InstanceStatus) bool {
	if from == to {
		return true
	}
	// Upstream reclamation, failures and deletion can happen in any state
	// except after terminal local states
	switch to {
	case types.StatusExited, types.StatusFailed, types.StatusTerminated:
		return from != types.StatusTerminated
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves inst to the target status, enforcing the edge set and
// the connection invariant: connection info survives only in ready and
// running.
func transition(inst *types.Instance, to types.InstanceStatus) error {
	if !CanTransition(inst.Status, to) {
		return errdefs.Conflictf("instance %s cannot go from %s to %s",
			inst.InstanceID, inst.Status, to)
	}
	inst.Status = to
	if to != types.StatusReady && to != types.StatusRunning {
		inst.Connection = nil
	}
	return nil
}
