// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine executes compiled plans step by step. Each task's engine
// run is single-threaded with respect to its own steps; distinct tasks run
// in parallel through the Runner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/taskd-org/taskd/internal/approval"
	"github.com/taskd-org/taskd/internal/constraint"
	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/decision"
	"github.com/taskd-org/taskd/internal/dispatch"
	"github.com/taskd-org/taskd/internal/events"
	"github.com/taskd-org/taskd/internal/metrics"
	"github.com/taskd-org/taskd/internal/simulate"
	"github.com/taskd-org/taskd/internal/supervisor"
	"github.com/taskd-org/taskd/internal/types"
)

var systemActor = types.Actor{Kind: types.ActorSystem, ID: "taskd"}

// Engine runs one plan to completion for one task at a time. It owns no task
// state: status changes go through the supervisor, step results through
// checkpoints.
type Engine struct {
	plans      *coredb.PlanStore
	tasks      *supervisor.Supervisor
	checker    *constraint.Checker
	simulator  *simulate.Simulator
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Workflow
	decisions  *decision.Broker
	trail      *coredb.Trail
	emitter    *events.Emitter
	logger     *slog.Logger

	awaitPoll time.Duration
	nowFn     func() time.Time
}

// Deps bundles the collaborators an engine needs.
type Deps struct {
	Plans      *coredb.PlanStore
	Tasks      *supervisor.Supervisor
	Checker    *constraint.Checker
	Simulator  *simulate.Simulator
	Dispatcher *dispatch.Dispatcher
	Approvals  *approval.Workflow
	Decisions  *decision.Broker
	Trail      *coredb.Trail
	Emitter    *events.Emitter
	Logger     *slog.Logger
}

// New constructs an engine. Trail, Emitter, and Logger may be nil.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		plans:      deps.Plans,
		tasks:      deps.Tasks,
		checker:    deps.Checker,
		simulator:  deps.Simulator,
		dispatcher: deps.Dispatcher,
		approvals:  deps.Approvals,
		decisions:  deps.Decisions,
		trail:      deps.Trail,
		emitter:    deps.Emitter,
		logger:     logger,
		awaitPoll:  200 * time.Millisecond,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Run executes the task's plan from its current position until the task
// reaches a terminal state, suspends, or ctx is done. Steps that already
// finished in an earlier run are skipped, so Run is safe to call again after
// a pause or restart.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	plan, err := e.plans.Get(ctx, task.PlanID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	order, err := plan.ExecutionOrder()
	if err != nil {
		_, terr := e.tasks.Transition(ctx, taskID, types.TaskFailed, systemActor, err.Error())
		return errors.Join(err, terr)
	}

	if task.Status != types.TaskRunning {
		if task, err = e.tasks.Transition(ctx, taskID, types.TaskRunning, systemActor, ""); err != nil {
			return err
		}
	}
	if task.TotalSteps != len(plan.Steps) {
		if task, err = e.tasks.Checkpoint(ctx, taskID, func(t *types.Task) error {
			t.TotalSteps = len(plan.Steps)
			return nil
		}); err != nil {
			return err
		}
	}
	if plan.Status != types.PlanExecuting {
		plan.Status = types.PlanExecuting
		if err := e.plans.Update(ctx, plan); err != nil {
			return err
		}
	}

	for _, ordinal := range order {
		// Reload so external transitions (pause, cancel) take effect
		// before the next step, never mid-dispatch.
		task, err = e.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskRunning {
			e.logger.Info("run suspended",
				slog.String("task", taskID),
				slog.String("status", string(task.Status)))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		step := plan.StepByOrdinal(ordinal)
		if step == nil {
			return fmt.Errorf("task %s: plan %s has no step %d", taskID, plan.ID, ordinal)
		}
		if prior := resultFor(task, ordinal); prior != nil && prior.Done() {
			continue
		}

		halted, err := e.runStep(ctx, task, plan, *step)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}

	return e.finish(ctx, taskID, plan)
}

// runStep executes one step end to end. A true halt means the task left the
// running state (suspended, blocked, or failed) and the loop must stop.
func (e *Engine) runStep(ctx context.Context, task *types.Task, plan *types.Plan, step types.Step) (halted bool, err error) {
	taskID := task.ID

	if reason, unmet := unmetDependency(task, step); unmet {
		return false, e.recordSkip(ctx, taskID, plan, step, reason)
	}

	// Constraints may have changed since compile time.
	res := e.checker.Check(step.Action, checkContext(plan, step))
	e.auditCheck(ctx, taskID, plan.ID, step, res)
	if res.Blocked() {
		_, terr := e.tasks.Transition(ctx, taskID, types.TaskBlocked, systemActor, res.Reason)
		return true, terr
	}

	if step.RequiresApproval {
		halted, err := e.gateOnApproval(ctx, taskID, plan, &step)
		if halted || err != nil {
			return halted, err
		}
		if step.RequiresApproval {
			// gateOnApproval clears the flag on approval; still set
			// means the step was rejected and skipped.
			return false, nil
		}
	}

	if q := decisionParams(step); q != nil {
		halted, chosen, err := e.gateOnDecision(ctx, taskID, plan, step, q)
		if halted || err != nil {
			return halted, err
		}
		if step.Params == nil {
			step.Params = make(map[string]any, 1)
		}
		step.Params["chosen_option"] = chosen
	}

	if plan.Simulation == nil && e.simulator != nil {
		outcome, _, known := e.simulator.SimulateStep(ctx, step)
		if known && !outcome.WouldSucceed {
			e.logger.Warn("dry run predicts failure",
				slog.String("task", taskID),
				slog.Int("step", step.Ordinal),
				slog.Float64("probability", outcome.SuccessProbability))
		}
	}

	return e.execute(ctx, taskID, plan, step)
}

// execute dispatches the step's action and records the result.
func (e *Engine) execute(ctx context.Context, taskID string, plan *types.Plan, step types.Step) (bool, error) {
	started := e.nowFn()
	e.emitter.EmitStepStart(taskID, step.Ordinal, step.Name)
	e.audit(ctx, taskID, plan.ID, step, types.AuditStepStarted, types.OutcomeAllowed, map[string]any{
		"action": step.Action,
	})

	out, dispatchErr := e.dispatcher.Dispatch(ctx, step.Action, step.Params)
	completed := e.nowFn()

	family, _, _ := strings.Cut(step.Action, ".")
	if dispatchErr != nil {
		metrics.Dispatched(family, metrics.DispatchError)
	} else {
		metrics.Dispatched(family, metrics.DispatchOK)
	}

	result := types.StepResult{
		Ordinal:     step.Ordinal,
		Status:      types.StepSucceeded,
		Output:      out.Output,
		Rollback:    out.Rollback,
		StartedAt:   started,
		CompletedAt: &completed,
	}
	if dispatchErr != nil {
		result.Status = types.StepFailed
		result.Error = dispatchErr.Error()
	}

	if _, err := e.checkpoint(ctx, taskID, result); err != nil {
		return true, err
	}
	e.emitter.EmitStepFinish(taskID, step.Ordinal, string(result.Status), dispatchErr)

	outcome := types.OutcomeAllowed
	details := map[string]any{"action": step.Action, "status": string(result.Status)}
	if dispatchErr != nil {
		outcome = types.OutcomeError
		details["error"] = dispatchErr.Error()
	}
	e.audit(ctx, taskID, plan.ID, step, types.AuditStepFinished, outcome, details)

	if dispatchErr != nil && step.Critical {
		reason := fmt.Sprintf("critical step %d failed: %s", step.Ordinal, dispatchErr)
		plan.Status = types.PlanFailed
		if err := e.plans.Update(ctx, plan); err != nil {
			e.logger.Warn("plan status update failed", slog.String("error", err.Error()))
		}
		e.rollbackCompleted(ctx, taskID, plan)
		_, terr := e.tasks.Transition(ctx, taskID, types.TaskFailed, systemActor, reason)
		return true, terr
	}
	return false, nil
}

// rollbackCompleted undoes the reversible steps that already succeeded, in
// reverse ordinal order, using the rollback data their dispatch returned.
// Best effort: every attempt is audited and a rollback failure never masks
// the step failure that triggered it.
func (e *Engine) rollbackCompleted(ctx context.Context, taskID string, plan *types.Plan) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		e.logger.Warn("rollback skipped", slog.String("task", taskID), slog.String("error", err.Error()))
		return
	}
	results := make([]types.StepResult, len(task.StepResults))
	copy(results, task.StepResults)
	sort.Slice(results, func(i, j int) bool { return results[i].Ordinal > results[j].Ordinal })

	for _, r := range results {
		if r.Status != types.StepSucceeded || len(r.Rollback) == 0 {
			continue
		}
		step := plan.StepByOrdinal(r.Ordinal)
		if step == nil || !step.Reversible {
			continue
		}
		op, _ := r.Rollback["operation"].(string)
		if op == "" {
			continue
		}
		params := make(map[string]any, len(r.Rollback)-1)
		for k, v := range r.Rollback {
			if k != "operation" {
				params[k] = v
			}
		}
		_, derr := e.dispatcher.Dispatch(ctx, op, params)
		outcome := types.OutcomeAllowed
		details := map[string]any{"operation": op}
		if derr != nil {
			outcome = types.OutcomeError
			details["error"] = derr.Error()
			e.logger.Warn("rollback failed",
				slog.String("task", taskID),
				slog.Int("step", r.Ordinal),
				slog.String("error", derr.Error()))
		}
		e.audit(ctx, taskID, plan.ID, *step, types.AuditStepRolledBack, outcome, details)
	}
}

// gateOnApproval suspends the task on a fresh approval request and resumes
// per its resolution. On approval the step's RequiresApproval flag is
// cleared; on rejection of a non-critical step the step is recorded skipped.
func (e *Engine) gateOnApproval(ctx context.Context, taskID string, plan *types.Plan, step *types.Step) (bool, error) {
	// Give the approver the dry-run view of what they are approving.
	var predicted *types.StepOutcome
	if e.simulator != nil {
		if outcome, _, known := e.simulator.SimulateStep(ctx, *step); known {
			predicted = &outcome
		}
	}
	req, err := e.approvals.Request(ctx, &types.ApprovalRequest{
		TaskID:        taskID,
		PlanID:        plan.ID,
		StepOrdinal:   step.Ordinal,
		Description:   fmt.Sprintf("%s (%s)", step.Name, step.Action),
		Risk:          step.Risk,
		DefaultAction: types.DefaultPause,
		Predicted:     predicted,
	})
	if err != nil {
		return true, err
	}
	if _, err := e.tasks.Transition(ctx, taskID, types.TaskWaitingApproval, systemActor,
		fmt.Sprintf("awaiting approval %s", req.ID)); err != nil {
		return true, err
	}

	resolved, err := e.approvals.Await(ctx, req.ID, e.awaitPoll)
	if err != nil {
		return true, err
	}
	switch resolved.Status {
	case types.ApprovalApproved:
		if _, err := e.tasks.Transition(ctx, taskID, types.TaskRunning, systemActor, ""); err != nil {
			return true, err
		}
		step.RequiresApproval = false
		return false, nil
	case types.ApprovalRejected:
		if step.Critical {
			reason := fmt.Sprintf("critical step %d rejected by %s", step.Ordinal, resolved.DecidedBy)
			_, terr := e.tasks.Transition(ctx, taskID, types.TaskFailed, systemActor, reason)
			return true, terr
		}
		if _, err := e.tasks.Transition(ctx, taskID, types.TaskRunning, systemActor, ""); err != nil {
			return true, err
		}
		return false, e.recordSkip(ctx, taskID, plan, *step,
			fmt.Sprintf("rejected by %s", resolved.DecidedBy))
	default:
		// expired with default pause: stay suspended.
		_, terr := e.tasks.Transition(ctx, taskID, types.TaskPaused, systemActor,
			fmt.Sprintf("approval %s expired", req.ID))
		return true, terr
	}
}

// gateOnDecision suspends the task on a runtime branch question and returns
// the chosen option id.
func (e *Engine) gateOnDecision(ctx context.Context, taskID string, plan *types.Plan, step types.Step, req *types.DecisionRequest) (bool, string, error) {
	req.TaskID = taskID
	req.PlanID = plan.ID
	created, err := e.decisions.Ask(ctx, req)
	if err != nil {
		return true, "", err
	}
	if _, err := e.tasks.Transition(ctx, taskID, types.TaskWaitingDecision, systemActor,
		fmt.Sprintf("awaiting decision %s", created.ID)); err != nil {
		return true, "", err
	}

	resolved, err := e.decisions.Await(ctx, created.ID, e.awaitPoll)
	if err != nil {
		return true, "", err
	}
	if resolved.ChosenID == "" {
		reason := fmt.Sprintf("decision %s %s with no choice", created.ID, resolved.Status)
		_, terr := e.tasks.Transition(ctx, taskID, types.TaskFailed, systemActor, reason)
		return true, "", terr
	}
	if _, err := e.tasks.Transition(ctx, taskID, types.TaskRunning, systemActor, ""); err != nil {
		return true, "", err
	}
	return false, resolved.ChosenID, nil
}

// finish closes out a run whose loop visited every step. Any failed step
// fails the task; otherwise it completes.
func (e *Engine) finish(ctx context.Context, taskID string, plan *types.Plan) error {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskRunning {
		return nil
	}

	failed := 0
	for _, r := range task.StepResults {
		if r.Status == types.StepFailed {
			failed++
		}
	}
	if failed > 0 {
		plan.Status = types.PlanFailed
		if err := e.plans.Update(ctx, plan); err != nil {
			e.logger.Warn("plan status update failed", slog.String("error", err.Error()))
		}
		_, terr := e.tasks.Transition(ctx, taskID, types.TaskFailed, systemActor,
			fmt.Sprintf("%d step(s) failed", failed))
		return terr
	}

	plan.Status = types.PlanCompleted
	if err := e.plans.Update(ctx, plan); err != nil {
		e.logger.Warn("plan status update failed", slog.String("error", err.Error()))
	}
	_, terr := e.tasks.Transition(ctx, taskID, types.TaskCompleted, systemActor, "")
	return terr
}

// checkpoint upserts one step result and refreshes progress counters.
func (e *Engine) checkpoint(ctx context.Context, taskID string, result types.StepResult) (*types.Task, error) {
	return e.tasks.Checkpoint(ctx, taskID, func(t *types.Task) error {
		replaced := false
		for i := range t.StepResults {
			if t.StepResults[i].Ordinal == result.Ordinal {
				t.StepResults[i] = result
				replaced = true
				break
			}
		}
		if !replaced {
			t.StepResults = append(t.StepResults, result)
		}
		done := 0
		for _, r := range t.StepResults {
			if r.Done() {
				done++
			}
		}
		t.CurrentStep = done
		if t.TotalSteps > 0 {
			t.Progress = float64(done) / float64(t.TotalSteps)
		}
		return nil
	})
}

func (e *Engine) recordSkip(ctx context.Context, taskID string, plan *types.Plan, step types.Step, reason string) error {
	now := e.nowFn()
	result := types.StepResult{
		Ordinal:     step.Ordinal,
		Status:      types.StepSkipped,
		Error:       reason,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if _, err := e.checkpoint(ctx, taskID, result); err != nil {
		return err
	}
	e.emitter.EmitStepFinish(taskID, step.Ordinal, string(types.StepSkipped), nil)
	e.audit(ctx, taskID, plan.ID, step, types.AuditStepFinished, types.OutcomeWarning, map[string]any{
		"action": step.Action,
		"status": string(types.StepSkipped),
		"reason": reason,
	})
	return nil
}

// unmetDependency reports whether a dependency of the step failed or was
// skipped, which skips the step too.
func unmetDependency(task *types.Task, step types.Step) (string, bool) {
	for _, dep := range step.DependsOn {
		r := resultFor(task, dep)
		if r == nil {
			continue
		}
		if r.Status == types.StepFailed || r.Status == types.StepSkipped {
			return fmt.Sprintf("dependency step %d %s", dep, r.Status), true
		}
	}
	return "", false
}

func resultFor(task *types.Task, ordinal int) *types.StepResult {
	for i := range task.StepResults {
		if task.StepResults[i].Ordinal == ordinal {
			return &task.StepResults[i]
		}
	}
	return nil
}

// checkContext builds the constraint evaluation context for one step from
// the plan's context map plus the step's own estimates.
func checkContext(plan *types.Plan, step types.Step) constraint.Context {
	ctx := make(constraint.Context, len(plan.Context)+2)
	for k, v := range plan.Context {
		ctx[k] = v
	}
	ctx["estimated_cost"] = step.EstimatedCost
	ctx["api_calls"] = plan.Estimate.APICalls
	return ctx
}

// decisionParams extracts a runtime branch question declared on the step,
// if any. The compiler encodes it under the "decision" param as a map with
// "question" and "options" keys.
func decisionParams(step types.Step) *types.DecisionRequest {
	raw, ok := step.Params["decision"].(map[string]any)
	if !ok {
		return nil
	}
	question, _ := raw["question"].(string)
	rawOpts, _ := raw["options"].([]any)
	req := &types.DecisionRequest{Question: question}
	for _, ro := range rawOpts {
		m, ok := ro.(map[string]any)
		if !ok {
			continue
		}
		opt := types.DecisionOption{}
		opt.ID, _ = m["id"].(string)
		opt.Label, _ = m["label"].(string)
		opt.TradeOff, _ = m["trade_off"].(string)
		if opt.ID != "" {
			req.Options = append(req.Options, opt)
		}
	}
	if def, ok := raw["default"].(string); ok {
		req.DefaultID = def
	}
	if secs, ok := raw["timeout_seconds"].(float64); ok && secs > 0 {
		req.Timeout = time.Duration(secs) * time.Second
	}
	if len(req.Options) == 0 {
		return nil
	}
	return req
}

func (e *Engine) auditCheck(ctx context.Context, taskID, planID string, step types.Step, res constraint.Result) {
	outcome := types.OutcomeAllowed
	switch res.Verdict {
	case constraint.VerdictBlocked:
		outcome = types.OutcomeBlocked
	case constraint.VerdictWarning:
		outcome = types.OutcomeWarning
	}
	metrics.ConstraintChecked(string(res.Verdict))
	e.audit(ctx, taskID, planID, step, types.AuditConstraintChecked, outcome, map[string]any{
		"action":     step.Action,
		"verdict":    string(res.Verdict),
		"risk_score": res.RiskScore,
	})
}

func (e *Engine) audit(ctx context.Context, taskID, planID string, step types.Step, action string, outcome types.AuditOutcome, details map[string]any) {
	if e.trail == nil {
		return
	}
	if _, err := e.trail.Append(ctx, types.AuditEntry{
		Actor:   systemActor,
		Action:  action,
		TaskID:  taskID,
		PlanID:  planID,
		StepID:  fmt.Sprintf("step-%d", step.Ordinal),
		Outcome: outcome,
		Details: details,
	}); err != nil {
		e.logger.Warn("audit append failed", slog.String("error", err.Error()))
	}
}
