// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/taskd-org/taskd/internal/types"
)

// DecideRequest is the POST /tasks/{id}/decide payload.
type DecideRequest struct {
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id"`
}

// DecideResponse carries the answered request and the task after any
// resulting movement, plus the recompiled plan when the decision was an
// intent clarification.
type DecideResponse struct {
	Request  *types.DecisionRequest `json:"request"`
	Task     *types.Task            `json:"task"`
	Plan     *types.Plan            `json:"plan,omitempty"`
	Approval *types.ApprovalRequest `json:"approval,omitempty"`
}

// NewDecisionsHandler serves GET /tasks/{id}/decisions: pending decision
// requests for the task.
func NewDecisionsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")
		if _, err := d.Supervisor.Get(ctx, id); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		pending, err := d.Decisions.Pending(ctx, id)
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

// NewDecideHandler serves POST /tasks/{id}/decide. A clarification answered
// while the task has no plan feeds recompilation with the chosen
// interpretation; a runtime branch answer is picked up by the waiting
// engine loop.
func NewDecideHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in DecideRequest
		if !decodeJSON(w, r, &in) {
			return
		}
		if in.RequestID == "" || in.OptionID == "" {
			writeErr(w, r, d.logger(r), validationErr("request_id and option_id are required"))
			return
		}

		ctx := r.Context()
		taskID := r.PathValue("id")
		task, err := d.Supervisor.Get(ctx, taskID)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		req, err := d.Decisions.Get(ctx, in.RequestID)
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
		req, err = d.Decisions.Decide(ctx, in.RequestID, in.OptionID, actor)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}

		resp := DecideResponse{Request: req}
		if task.Status == types.TaskWaitingDecision && task.PlanID == "" {
			task, resp.Plan, resp.Approval, err = d.recompile(ctx, task, req, actor)
			if err != nil {
				writeErr(w, r, d.logger(r), err)
				return
			}
		} else if task, err = d.Supervisor.Get(ctx, taskID); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		resp.Task = task
		writeJSON(w, http.StatusOK, resp)
	}
}

// recompile re-runs compilation after an intent clarification, pinning the
// classification to the chosen interpretation so the confidence gate cannot
// trigger twice for the same question.
func (d Deps) recompile(ctx context.Context, task *types.Task, req *types.DecisionRequest, actor types.Actor) (*types.Task, *types.Plan, *types.ApprovalRequest, error) {
	task, err := d.Supervisor.Transition(ctx, task.ID, types.TaskCompiling, actor,
		fmt.Sprintf("clarified via decision %s", req.ID))
	if err != nil {
		return task, nil, nil, err
	}
	entities, err := d.Extractor.Extract(ctx, task.Intent)
	if err != nil {
		d.failTask(ctx, task.ID, fmt.Sprintf("entity extraction: %v", err))
		return task, nil, nil, err
	}
	if intentType, ok := strings.CutPrefix(req.ChosenID, "intent:"); ok {
		entities.IntentType = intentType
	}
	entities.Confidence = 1.0
	out, err := d.Compiler.Compile(ctx, task.Intent, entities)
	if err != nil {
		d.failTask(ctx, task.ID, fmt.Sprintf("compile: %v", err))
		return task, nil, nil, err
	}
	if out.Plan == nil {
		err := fmt.Errorf("recompile of task %s produced no plan", task.ID)
		d.failTask(ctx, task.ID, err.Error())
		return task, nil, nil, err
	}
	task, approvalReq, err := d.admitPlan(ctx, task, out.Plan, actor)
	return task, out.Plan, approvalReq, err
}
