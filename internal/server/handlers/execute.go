// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"net/http"

	"github.com/taskd-org/taskd/internal/types"
)

// ExecuteRequest is the POST /execute payload. PlanID is optional when
// TaskID is given; when present it must match the task's current plan.
type ExecuteRequest struct {
	TaskID string `json:"task_id"`
	PlanID string `json:"plan_id,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// NewExecuteHandler serves POST /execute: hand a ready task to the runner.
// Execution proceeds in the background; progress arrives over the task's
// event stream.
func NewExecuteHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in ExecuteRequest
		if !decodeJSON(w, r, &in) {
			return
		}
		if in.TaskID == "" {
			writeErr(w, r, d.logger(r), validationErr("task_id is required"))
			return
		}
		mode, ok := parseMode(in.Mode)
		if !ok {
			writeErr(w, r, d.logger(r), validationErr("unknown mode %q", in.Mode))
			return
		}

		ctx := r.Context()
		task, err := d.Supervisor.Get(ctx, in.TaskID)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		if task.PlanID == "" {
			writeErr(w, r, d.logger(r), validationErr("task %s has no compiled plan", task.ID))
			return
		}
		if in.PlanID != "" && in.PlanID != task.PlanID {
			writeErr(w, r, d.logger(r), validationErr(
				"plan %s is not the task's current plan (%s)", in.PlanID, task.PlanID))
			return
		}
		switch task.Status {
		case types.TaskReady, types.TaskPaused, types.TaskBlocked:
		default:
			writeErr(w, r, d.logger(r), validationErr(
				"task %s is %s; only ready, paused, or blocked tasks can start", task.ID, task.Status))
			return
		}
		if in.Mode != "" && mode != task.Mode {
			if task, err = d.Supervisor.Checkpoint(ctx, task.ID, func(t *types.Task) error {
				t.Mode = mode
				return nil
			}); err != nil {
				writeErr(w, r, d.logger(r), err)
				return
			}
		}

		if err := d.Runner.Start(task.ID); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusAccepted, task)
	}
}
