// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"context"

	"github.com/taskd-org/taskd/internal/approval"
	"github.com/taskd-org/taskd/internal/decision"
	"github.com/taskd-org/taskd/internal/types"
)

// ClarificationTimeoutHook continues an intent clarification answered by a
// timeout default. The owning task is still waiting with no plan, so the
// chosen interpretation feeds recompilation exactly as a human answer
// would; downstream state cannot tell the two apart.
func ClarificationTimeoutHook(d Deps) func(context.Context, *types.DecisionRequest) {
	return func(ctx context.Context, req *types.DecisionRequest) {
		if req == nil || req.ChosenID == "" {
			return
		}
		task, err := d.Supervisor.Get(ctx, req.TaskID)
		if err != nil {
			d.Logger.Error("clarification continuation", "task", req.TaskID, "error", err.Error())
			return
		}
		if task.Status != types.TaskWaitingDecision || task.PlanID != "" {
			return
		}
		actor := types.Actor{Kind: types.ActorSystem, ID: decision.TimeoutActorID}
		if _, _, _, err := d.recompile(ctx, task, req, actor); err != nil {
			d.Logger.Error("clarification continuation", "task", task.ID, "error", err.Error())
		}
	}
}

// PlanGateTimeoutHook applies an expired plan-level approval to the owning
// task so it cannot sit in pending_approval forever. Default-approve gates
// proceed to simulation; anything else rejects the plan and cancels the
// task, which the audit trail and /stats make visible.
func PlanGateTimeoutHook(d Deps) func(context.Context, *types.ApprovalRequest) {
	return func(ctx context.Context, req *types.ApprovalRequest) {
		if req == nil || !req.PlanLevel() {
			return
		}
		task, err := d.Supervisor.Get(ctx, req.TaskID)
		if err != nil {
			d.Logger.Error("plan gate continuation", "task", req.TaskID, "error", err.Error())
			return
		}
		if task.Status != types.TaskPendingApproval {
			return
		}
		actor := types.Actor{Kind: types.ActorSystem, ID: approval.TimeoutActorID}
		if _, err := d.resolvePlanGate(ctx, task, req, actor); err != nil {
			d.Logger.Error("plan gate continuation", "task", task.ID, "error", err.Error())
		}
	}
}
