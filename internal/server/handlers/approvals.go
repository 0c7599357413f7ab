// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/taskd-org/taskd/internal/types"
)

// ApproveRequest is the POST /tasks/{id}/approve payload.
type ApproveRequest struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
	Comments  string `json:"comments,omitempty"`
}

// ApproveResponse carries the resolved (or advanced) request plus the task
// as it stands after any resulting lifecycle movement.
type ApproveResponse struct {
	Request *types.ApprovalRequest `json:"request"`
	Task    *types.Task            `json:"task"`
}

// NewApprovalsHandler serves GET /tasks/{id}/approvals: pending approval
// requests for the task, oldest first.
func NewApprovalsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")
		if _, err := d.Supervisor.Get(ctx, id); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		pending, err := d.Approvals.Pending(ctx, id)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"requests": pending,
			"count":    len(pending),
		})
	}
}

// NewApproveHandler serves POST /tasks/{id}/approve. The first committed
// resolution wins against the timeout sweeper; a losing write maps to 409.
// Resolving a plan-level request moves the task out of pending_approval;
// step-level requests are picked up by the waiting engine loop.
func NewApproveHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in ApproveRequest
		if !decodeJSON(w, r, &in) {
			return
		}
		if in.RequestID == "" {
			writeErr(w, r, d.logger(r), validationErr("request_id is required"))
			return
		}

		ctx := r.Context()
		taskID := r.PathValue("id")
		task, err := d.Supervisor.Get(ctx, taskID)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		req, err := d.Approvals.Get(ctx, in.RequestID)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		if req.TaskID != taskID {
			writeErr(w, r, d.logger(r), validationErr(
				"request %s belongs to task %s", req.ID, req.TaskID))
			return
		}

		actor := actorFrom(r)
		if in.Approve {
			req, err = d.Approvals.Approve(ctx, in.RequestID, actor, in.Comments)
		} else {
			req, err = d.Approvals.Reject(ctx, in.RequestID, actor, in.Comments)
		}
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}

		if req.PlanLevel() && req.Status != types.ApprovalPending {
			if task, err = d.resolvePlanGate(ctx, task, req, actor); err != nil {
				writeErr(w, r, d.logger(r), err)
				return
			}
		} else if task, err = d.Supervisor.Get(ctx, taskID); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusOK, ApproveResponse{Request: req, Task: task})
	}
}

// resolvePlanGate applies a terminal plan-level approval to the plan and the
// task: approval stamps the plan and promotes the task through simulation to
// ready; rejection marks the plan rejected and cancels the task.
func (d Deps) resolvePlanGate(ctx context.Context, task *types.Task, req *types.ApprovalRequest, actor types.Actor) (*types.Task, error) {
	plan, err := d.Plans.Get(ctx, req.PlanID)
	if err != nil {
		return task, err
	}
	switch req.Status {
	case types.ApprovalApproved:
		now := req.DecidedAt
		plan.Status = types.PlanApproved
		plan.ApprovedBy = req.DecidedBy
		plan.ApprovedAt = now
		if err := d.Plans.Update(ctx, plan); err != nil {
			return task, err
		}
		task, _, err = d.simulateAndReady(ctx, task, plan, actor)
		return task, err
	case types.ApprovalRejected, types.ApprovalExpired:
		plan.Status = types.PlanRejected
		if err := d.Plans.Update(ctx, plan); err != nil {
			return task, err
		}
		d.audit(ctx, actor, types.AuditPlanRejected, task.ID, plan.ID, types.OutcomeBlocked, map[string]any{
			"request_id": req.ID,
			"comments":   req.Comments,
		})
		return d.Supervisor.Transition(ctx, task.ID, types.TaskCancelled, actor,
			fmt.Sprintf("plan rejected via approval %s", req.ID))
	}
	return task, nil
}
