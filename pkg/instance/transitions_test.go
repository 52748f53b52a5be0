package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/types"
)

func TestCanTransitionAllowedEdges(t *testing.T) {
	allowed := [][2]types.InstanceStatus{
		{types.StatusCreating, types.StatusCreated},
		{types.StatusCreated, types.StatusStarting},
		{types.StatusStarting, types.StatusRunning},
		{types.StatusRunning, types.StatusHealthChecking},
		{types.StatusHealthChecking, types.StatusReady},
		{types.StatusRunning, types.StatusReady},
		{types.StatusReady, types.StatusStopping},
		{types.StatusRunning, types.StatusStopping},
		{types.StatusStopping, types.StatusStopped},
		{types.StatusStopped, types.StatusStarting},
		{types.StatusExited, types.StatusStarting},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s must be allowed", edge[0], edge[1])
	}
}

func TestCanTransitionNoReverseEdges(t *testing.T) {
	forbidden := [][2]types.InstanceStatus{
		{types.StatusCreated, types.StatusCreating},
		{types.StatusRunning, types.StatusStarting},
		{types.StatusReady, types.StatusHealthChecking},
		{types.StatusStopped, types.StatusStopping},
		{types.StatusReady, types.StatusCreated},
		{types.StatusStopped, types.StatusRunning},
	}
	for _, edge := range forbidden {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s must be rejected", edge[0], edge[1])
	}
}

func TestCanTransitionTerminalStates(t *testing.T) {
	every := []types.InstanceStatus{
		types.StatusCreating, types.StatusCreated, types.StatusStarting,
		types.StatusRunning, types.StatusHealthChecking, types.StatusReady,
		types.StatusStopping, types.StatusStopped, types.StatusExited,
		types.StatusFailed,
	}
	for _, from := range every {
		assert.True(t, CanTransition(from, types.StatusExited))
		assert.True(t, CanTransition(from, types.StatusFailed))
		assert.True(t, CanTransition(from, types.StatusTerminated))
	}

	// Terminated is final
	assert.False(t, CanTransition(types.StatusTerminated, types.StatusExited))
	assert.False(t, CanTransition(types.StatusTerminated, types.StatusRunning))
	assert.False(t, CanTransition(types.StatusFailed, types.StatusRunning))
}

func TestTransitionEnforcesConnectionInvariant(t *testing.T) {
	inst := &types.Instance{
		InstanceID: "inst-x",
		Status:     types.StatusReady,
		Connection: &types.ConnectionInfo{SSHURL: "ssh://h:22"},
	}

	assert.NoError(t, transition(inst, types.StatusStopping))
	assert.Nil(t, inst.Connection)

	err := transition(inst, types.StatusRunning)
	assert.True(t, errdefs.IsConflict(err))
	assert.Equal(t, types.StatusStopping, inst.Status, "failed transition must not mutate status")
}
