// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import "github.com/taskd-org/taskd/internal/types"

// legal holds the forward edges of the lifecycle state machine. Failed and
// cancelled are reachable from every non-terminal state and are handled in
// CanTransition rather than listed per state.
var legal = map[types.TaskStatus][]types.TaskStatus{
	types.TaskDraft:           {types.TaskCompiling},
	types.TaskCompiling:       {types.TaskPendingApproval, types.TaskSimulating, types.TaskWaitingDecision},
	types.TaskPendingApproval: {types.TaskSimulating},
	types.TaskSimulating:      {types.TaskReady},
	types.TaskReady:           {types.TaskRunning},
	types.TaskRunning: {
		types.TaskPaused, types.TaskWaitingApproval, types.TaskWaitingDecision,
		types.TaskBlocked, types.TaskCompleted,
	},
	types.TaskPaused:          {types.TaskRunning},
	types.TaskWaitingApproval: {types.TaskRunning, types.TaskPaused},
	// A decision taken during compilation feeds back into the compiler;
	// one taken mid-run resumes execution.
	types.TaskWaitingDecision: {types.TaskRunning, types.TaskCompiling},
	types.TaskBlocked:         {types.TaskRunning},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to types.TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == types.TaskFailed || to == types.TaskCancelled {
		return true
	}
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}
