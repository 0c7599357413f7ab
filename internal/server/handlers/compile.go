// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/taskd-org/taskd/internal/types"
)

// CompileRequest is the POST /compile payload.
type CompileRequest struct {
	Intent   string `json:"intent"`
	Title    string `json:"title,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// CompileResponse reports the compile outcome. Exactly one of Plan or
// Decision is set; Approval is present when the plan is parked behind a
// plan-level sign-off.
type CompileResponse struct {
	Task     *types.Task            `json:"task"`
	Plan     *types.Plan            `json:"plan,omitempty"`
	Decision *types.DecisionRequest `json:"decision,omitempty"`
	Approval *types.ApprovalRequest `json:"approval,omitempty"`
}

// NewCompileHandler serves POST /compile: create a task, extract entities
// from the intent text, and compile them into a plan or a clarification
// request.
func NewCompileHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in CompileRequest
		if !decodeJSON(w, r, &in) {
			return
		}
		in.Intent = strings.TrimSpace(in.Intent)
		if in.Intent == "" {
			writeErr(w, r, d.logger(r), validationErr("intent must not be empty"))
			return
		}
		mode, ok := parseMode(in.Mode)
		if !ok {
			writeErr(w, r, d.logger(r), validationErr("unknown mode %q", in.Mode))
			return
		}
		priority, ok := parsePriority(in.Priority)
		if !ok {
			writeErr(w, r, d.logger(r), validationErr("unknown priority %q", in.Priority))
			return
		}
		title := in.Title
		if title == "" {
			title = truncate(in.Intent, 80)
		}

		ctx := r.Context()
		actor := actorFrom(r)
		task, err := d.Supervisor.Create(ctx, title, in.Intent, mode, priority)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		if task, err = d.Supervisor.Transition(ctx, task.ID, types.TaskCompiling, actor, "intent received"); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}

		entities, err := d.Extractor.Extract(ctx, in.Intent)
		if err != nil {
			d.failTask(ctx, task.ID, fmt.Sprintf("entity extraction: %v", err))
			writeErr(w, r, d.logger(r), err)
			return
		}
		out, err := d.Compiler.Compile(ctx, in.Intent, entities)
		if err != nil {
			d.failTask(ctx, task.ID, fmt.Sprintf("compile: %v", err))
			writeErr(w, r, d.logger(r), err)
			return
		}

		if out.Decision != nil {
			out.Decision.TaskID = task.ID
			dec, err := d.Decisions.Ask(ctx, out.Decision)
			if err != nil {
				writeErr(w, r, d.logger(r), err)
				return
			}
			if task, err = d.Supervisor.Transition(ctx, task.ID, types.TaskWaitingDecision, actor,
				"intent needs clarification"); err != nil {
				writeErr(w, r, d.logger(r), err)
				return
			}
			writeJSON(w, http.StatusAccepted, CompileResponse{Task: task, Decision: dec})
			return
		}

		task, approvalReq, err := d.admitPlan(ctx, task, out.Plan, actor)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusCreated, CompileResponse{Task: task, Plan: out.Plan, Approval: approvalReq})
	}
}

// admitPlan persists a freshly compiled plan and walks the owning task
// toward ready. Plans that need a human sign-off stop at pending_approval
// with the returned approval request; all others are simulated immediately.
func (d Deps) admitPlan(ctx context.Context, task *types.Task, plan *types.Plan, actor types.Actor) (*types.Task, *types.ApprovalRequest, error) {
	if err := d.Plans.Create(ctx, plan); err != nil {
		return task, nil, err
	}
	task, err := d.Supervisor.Checkpoint(ctx, task.ID, func(t *types.Task) error {
		t.PlanID = plan.ID
		return nil
	})
	if err != nil {
		return task, nil, err
	}
	d.audit(ctx, actor, types.AuditPlanCompiled, task.ID, plan.ID, types.OutcomeAllowed, map[string]any{
		"steps":       len(plan.Steps),
		"intent_type": plan.IntentType,
		"confidence":  plan.Confidence,
	})
	d.Emitter.EmitPlanCompiled(task.ID, plan.ID, len(plan.Steps))

	if needsPlanApproval(task.Mode, plan) {
		req, err := d.Approvals.Request(ctx, &types.ApprovalRequest{
			TaskID:        task.ID,
			PlanID:        plan.ID,
			StepOrdinal:   -1,
			Description:   fmt.Sprintf("plan for %q (%d steps)", plan.Intent, len(plan.Steps)),
			Risk:          maxStepRisk(plan),
			DefaultAction: types.DefaultPause,
		})
		if err != nil {
			return task, nil, err
		}
		task, err = d.Supervisor.Transition(ctx, task.ID, types.TaskPendingApproval, actor,
			fmt.Sprintf("plan approval %s", req.ID))
		return task, req, err
	}

	return d.simulateAndReady(ctx, task, plan, actor)
}

// simulateAndReady runs the dry-run over the plan and promotes the task to
// ready.
func (d Deps) simulateAndReady(ctx context.Context, task *types.Task, plan *types.Plan, actor types.Actor) (*types.Task, *types.ApprovalRequest, error) {
	task, err := d.Supervisor.Transition(ctx, task.ID, types.TaskSimulating, actor, "")
	if err != nil {
		return task, nil, err
	}
	sim, err := d.Simulator.SimulatePlan(ctx, plan)
	if err != nil {
		d.failTask(ctx, task.ID, fmt.Sprintf("simulation: %v", err))
		return task, nil, err
	}
	plan.Simulation = sim
	if err := d.Plans.Update(ctx, plan); err != nil {
		return task, nil, err
	}
	outcome := types.OutcomeAllowed
	if !sim.Success {
		outcome = types.OutcomeWarning
	}
	d.audit(ctx, actor, types.AuditSimulationRun, task.ID, plan.ID, outcome, map[string]any{
		"success":    sim.Success,
		"risk_score": sim.Impact.RiskScore,
		"risk_level": sim.Impact.RiskLevel.String(),
	})
	d.Emitter.EmitSimulation(task.ID, plan.ID, sim.Success)
	task, err = d.Supervisor.Transition(ctx, task.ID, types.TaskReady, actor, "")
	return task, nil, err
}

// needsPlanApproval gates whole plans, as opposed to the per-step gates the
// engine applies at run time. Only autonomous mode may skip the human gate,
// and then only when no step is flagged for approval.
func needsPlanApproval(mode types.ExecutionMode, plan *types.Plan) bool {
	if mode != types.ModeAutonomous {
		return true
	}
	return anyStepRequiresApproval(plan)
}

func anyStepRequiresApproval(plan *types.Plan) bool {
	for _, step := range plan.Steps {
		if step.RequiresApproval {
			return true
		}
	}
	return false
}

func maxStepRisk(plan *types.Plan) types.RiskLevel {
	risk := types.RiskLow
	for _, step := range plan.Steps {
		risk = max(risk, step.Risk)
	}
	return risk
}

func (d Deps) failTask(ctx context.Context, taskID, reason string) {
	if _, err := d.Supervisor.Transition(ctx, taskID, types.TaskFailed,
		types.Actor{Kind: types.ActorSystem, ID: "taskd"}, reason); err != nil {
		d.Logger.Error("fail transition", "task", taskID, "error", err.Error())
	}
}

func (d Deps) audit(ctx context.Context, actor types.Actor, action, taskID, planID string, outcome types.AuditOutcome, details map[string]any) {
	if d.Trail == nil {
		return
	}
	if _, err := d.Trail.Append(ctx, types.AuditEntry{
		Actor:   actor,
		Action:  action,
		TaskID:  taskID,
		PlanID:  planID,
		Outcome: outcome,
		Details: details,
	}); err != nil && d.Logger != nil {
		d.Logger.Error("audit append", "action", action, "error", err.Error())
	}
}

func parseMode(s string) (types.ExecutionMode, bool) {
	switch types.ExecutionMode(strings.ToLower(s)) {
	case "":
		return types.ModeSupervised, true
	case types.ModeAutonomous:
		return types.ModeAutonomous, true
	case types.ModeSupervised:
		return types.ModeSupervised, true
	case types.ModeManual:
		return types.ModeManual, true
	}
	return "", false
}

func parsePriority(s string) (types.TaskPriority, bool) {
	switch types.TaskPriority(strings.ToLower(s)) {
	case "":
		return types.PriorityNormal, true
	case types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityUrgent:
		return types.TaskPriority(strings.ToLower(s)), true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
