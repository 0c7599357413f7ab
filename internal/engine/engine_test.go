package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskd-org/taskd/internal/approval"
	"github.com/taskd-org/taskd/internal/constraint"
	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/decision"
	"github.com/taskd-org/taskd/internal/dispatch"
	"github.com/taskd-org/taskd/internal/simulate"
	"github.com/taskd-org/taskd/internal/supervisor"
	"github.com/taskd-org/taskd/internal/types"
)

type harness struct {
	engine    *Engine
	tasks     *supervisor.Supervisor
	plans     *coredb.PlanStore
	approvals *approval.Workflow
	decisions *decision.Broker
	trail     *coredb.Trail
}

func newHarness(t *testing.T, constraints []types.Constraint, approvalOpts ...approval.Option) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := coredb.Open(ctx, coredb.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	trail := coredb.NewTrail(db)
	plans := coredb.NewPlanStore(db)
	requests := coredb.NewRequestStore(db)
	tasks := supervisor.New(coredb.NewTaskStore(db), trail, nil, nil)
	approvals := approval.New(requests, trail, nil, nil, approvalOpts...)
	decisions := decision.New(requests, plans, trail, nil, nil)

	eng := New(Deps{
		Plans:      plans,
		Tasks:      tasks,
		Checker:    constraint.NewChecker(constraints),
		Simulator:  simulate.New(),
		Dispatcher: dispatch.New(),
		Approvals:  approvals,
		Decisions:  decisions,
		Trail:      trail,
	})
	eng.awaitPoll = 5 * time.Millisecond
	return &harness{
		engine:    eng,
		tasks:     tasks,
		plans:     plans,
		approvals: approvals,
		decisions: decisions,
		trail:     trail,
	}
}

// readyTask stores the plan and walks a task to ready so Run can take over.
func (h *harness) readyTask(t *testing.T, plan *types.Plan) *types.Task {
	t.Helper()
	ctx := context.Background()
	if err := h.plans.Create(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	task, err := h.tasks.Create(ctx, "test task", plan.Intent, types.ModeAutonomous, types.PriorityNormal)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	actor := types.Actor{Kind: types.ActorSystem, ID: "taskd"}
	for _, to := range []types.TaskStatus{types.TaskCompiling, types.TaskSimulating, types.TaskReady} {
		if task, err = h.tasks.Transition(ctx, task.ID, to, actor, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	task, err = h.tasks.Checkpoint(ctx, task.ID, func(tk *types.Task) error {
		tk.PlanID = plan.ID
		return nil
	})
	if err != nil {
		t.Fatalf("attach plan: %v", err)
	}
	return task
}

func threeStepPlan() *types.Plan {
	return &types.Plan{
		ID:         "plan-1",
		Intent:     "enter three records",
		IntentType: "data_entry",
		Confidence: 0.9,
		Status:     types.PlanApproved,
		Steps: []types.Step{
			{Ordinal: 1, Name: "validate input", Action: "record.validate"},
			{Ordinal: 2, Name: "create record", Action: "record.create", DependsOn: []int{1}, Reversible: true},
			{Ordinal: 3, Name: "notify owner", Action: "notify.send", DependsOn: []int{2}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestRunCompletesPlanInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	task := h.readyTask(t, threeStepPlan())

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Progress != 1.0 || got.CurrentStep != 3 {
		t.Fatalf("progress = %v step %d, want 1.0 / 3", got.Progress, got.CurrentStep)
	}
	for i, r := range got.StepResults {
		if r.Ordinal != i+1 || r.Status != types.StepSucceeded {
			t.Fatalf("step result %d: %+v", i, r)
		}
	}
	// Reversible create stores rollback data.
	if got.StepResults[1].Rollback["operation"] != "record.delete" {
		t.Fatalf("missing rollback data: %+v", got.StepResults[1].Rollback)
	}
	plan, _ := h.plans.Get(ctx, "plan-1")
	if plan.Status != types.PlanCompleted {
		t.Fatalf("plan status = %s, want completed", plan.Status)
	}
}

func TestRunBlocksOnBudgetConstraint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []types.Constraint{{
		ID:        "budget-cap",
		Name:      "budget cap",
		Type:      types.ConstraintBudget,
		Severity:  types.SeverityBlocking,
		Threshold: 10,
		Enabled:   true,
	}})
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[0].EstimatedCost = 50
	task := h.readyTask(t, plan)

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskBlocked {
		t.Fatalf("status = %s, want blocked", got.Status)
	}
	if len(got.StepResults) != 0 {
		t.Fatalf("blocked before execution, results = %+v", got.StepResults)
	}
}

func TestApprovalGateResumesOnApprove(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[1].RequiresApproval = true
	task := h.readyTask(t, plan)

	go func() {
		for range 200 {
			time.Sleep(10 * time.Millisecond)
			pending, err := h.approvals.Pending(ctx, task.ID)
			if err != nil || len(pending) == 0 {
				continue
			}
			_, _ = h.approvals.Approve(ctx, pending[0].ID, types.Actor{Kind: types.ActorHuman, ID: "alice"}, "")
			return
		}
	}()

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestApprovalRejectSkipsNonCriticalStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[1].RequiresApproval = true
	task := h.readyTask(t, plan)

	go func() {
		for range 200 {
			time.Sleep(10 * time.Millisecond)
			pending, err := h.approvals.Pending(ctx, task.ID)
			if err != nil || len(pending) == 0 {
				continue
			}
			_, _ = h.approvals.Reject(ctx, pending[0].ID, types.Actor{Kind: types.ActorHuman, ID: "alice"}, "not now")
			return
		}
	}()

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if r := stepResult(got, 2); r == nil || r.Status != types.StepSkipped {
		t.Fatalf("rejected step should be skipped, got %+v", r)
	}
	// Step 3 depends on the skipped step 2 and is skipped in turn.
	if r := stepResult(got, 3); r == nil || r.Status != types.StepSkipped {
		t.Fatalf("dependent step should be skipped, got %+v", r)
	}
}

func TestApprovalRejectFailsCriticalStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[1].RequiresApproval = true
	plan.Steps[1].Critical = true
	task := h.readyTask(t, plan)

	go func() {
		for range 200 {
			time.Sleep(10 * time.Millisecond)
			pending, err := h.approvals.Pending(ctx, task.ID)
			if err != nil || len(pending) == 0 {
				continue
			}
			_, _ = h.approvals.Reject(ctx, pending[0].ID, types.Actor{Kind: types.ActorHuman, ID: "alice"}, "")
			return
		}
	}()

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Fatalf("failed task must carry an error message")
	}
}

func TestDecisionGateBranchesOnChoice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[0].Params = map[string]any{
		"decision": map[string]any{
			"question": "Validate strictly or loosely?",
			"options": []any{
				map[string]any{"id": "strict", "label": "Strict"},
				map[string]any{"id": "loose", "label": "Loose"},
			},
		},
	}
	task := h.readyTask(t, plan)

	go func() {
		for range 200 {
			time.Sleep(10 * time.Millisecond)
			pending, err := h.decisions.Pending(ctx, task.ID)
			if err != nil || len(pending) == 0 {
				continue
			}
			_, _ = h.decisions.Decide(ctx, pending[0].ID, "strict", types.Actor{Kind: types.ActorHuman, ID: "alice"})
			return
		}
	}()

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	stored, _ := h.plans.Get(ctx, plan.ID)
	found := false
	for k, v := range stored.Context {
		if len(k) > 9 && k[:9] == "decision:" && v == "strict" {
			found = true
		}
	}
	if !found {
		t.Fatalf("choice not recorded in plan context: %v", stored.Context)
	}
}

func TestRunSuspendsWhenTaskLeavesRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	// A pausing tool flips the task out of running before its own step
	// finishes; the loop must stop before the next step.
	plan := threeStepPlan()
	task := h.readyTask(t, plan)
	h.engine.dispatcher.Register("record", dispatch.ToolFunc(func(_ context.Context, operation string, _ map[string]any) (dispatch.Result, error) {
		_, _ = h.tasks.Transition(ctx, task.ID, types.TaskPaused, types.Actor{Kind: types.ActorHuman, ID: "alice"}, "pause requested")
		return dispatch.Result{Output: map[string]any{"operation": operation}}, nil
	}))

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
	if len(got.StepResults) != 1 {
		t.Fatalf("expected one finished step before the pause, got %d", len(got.StepResults))
	}
}

func TestRunResumesPastFinishedSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	task := h.readyTask(t, plan)

	calls := 0
	h.engine.dispatcher.Register("record", dispatch.ToolFunc(func(_ context.Context, operation string, _ map[string]any) (dispatch.Result, error) {
		calls++
		if operation == "create" {
			_, _ = h.tasks.Transition(ctx, task.ID, types.TaskPaused, types.Actor{Kind: types.ActorHuman, ID: "alice"}, "")
		}
		return dispatch.Result{Output: map[string]any{"operation": operation}}, nil
	}))

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("first run executed %d record steps, want 2", calls)
	}
	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	// Finished record steps were not re-dispatched on resume.
	if calls != 2 {
		t.Fatalf("resume re-ran finished steps, calls = %d", calls)
	}
}

func TestFailedStepFailsTaskButKeepsPartialProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	task := h.readyTask(t, plan)
	h.engine.dispatcher.Register("notify", dispatch.ToolFunc(func(context.Context, string, map[string]any) (dispatch.Result, error) {
		return dispatch.Result{}, &dispatch.CallError{Tool: "notify", Operation: "send", Kind: dispatch.KindAuth}
	}))

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if r := stepResult(got, 1); r == nil || r.Status != types.StepSucceeded {
		t.Fatalf("partial progress lost: %+v", r)
	}
	if r := stepResult(got, 3); r == nil || r.Status != types.StepFailed || r.Error == "" {
		t.Fatalf("failed step result: %+v", r)
	}
}

func TestCriticalFailureRollsBackReversibleSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[2].Critical = true
	task := h.readyTask(t, plan)

	var mu sync.Mutex
	var undone []string
	h.engine.dispatcher.Register("record", dispatch.ToolFunc(func(_ context.Context, operation string, params map[string]any) (dispatch.Result, error) {
		switch operation {
		case "create":
			return dispatch.Result{
				Output:   map[string]any{"record_id": "rec-7"},
				Rollback: map[string]any{"operation": "record.delete", "record_id": "rec-7"},
			}, nil
		case "delete":
			mu.Lock()
			undone = append(undone, params["record_id"].(string))
			mu.Unlock()
		}
		return dispatch.Result{}, nil
	}))
	h.engine.dispatcher.Register("notify", dispatch.ToolFunc(func(context.Context, string, map[string]any) (dispatch.Result, error) {
		return dispatch.Result{}, &dispatch.CallError{Tool: "notify", Operation: "send", Kind: dispatch.KindRemote}
	}))

	if err := h.engine.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(undone) != 1 || undone[0] != "rec-7" {
		t.Fatalf("undone records = %v, want [rec-7]", undone)
	}
	rolledBack := 0
	if err := h.trail.ForEach(ctx, task.ID, 0, func(e types.AuditEntry) error {
		if e.Action == types.AuditStepRolledBack {
			rolledBack++
		}
		return nil
	}); err != nil {
		t.Fatalf("trail: %v", err)
	}
	if rolledBack != 1 {
		t.Fatalf("rolled-back audit entries = %d, want 1", rolledBack)
	}
}

func TestApprovalGateCarriesPrediction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[1].RequiresApproval = true
	task := h.readyTask(t, plan)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, task.ID) }()

	var req *types.ApprovalRequest
	deadline := time.Now().Add(2 * time.Second)
	for req == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		pending, err := h.approvals.Pending(ctx, task.ID)
		if err == nil && len(pending) > 0 {
			req = pending[0]
		}
	}
	if req == nil {
		t.Fatal("approval request never appeared")
	}
	if req.Predicted == nil || req.Predicted.Ordinal != 2 {
		t.Fatalf("gate carries no prediction for step 2: %+v", req.Predicted)
	}
	if !req.Predicted.WouldSucceed || req.Predicted.SuccessProbability <= 0 {
		t.Fatalf("dry run for record.create should predict success: %+v", req.Predicted)
	}
	if _, err := h.approvals.Approve(ctx, req.ID, types.Actor{Kind: types.ActorHuman, ID: "alice"}, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestApprovalTimeoutDefaultPausesTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, approval.WithTimeout(100*time.Millisecond))
	// Slow engine polling keeps the sweeper, not the lazy read, as the
	// resolver of the expired request.
	h.engine.awaitPoll = 500 * time.Millisecond
	ctx := context.Background()

	plan := threeStepPlan()
	plan.Steps[1].RequiresApproval = true
	task := h.readyTask(t, plan)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, task.ID) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.tasks.Get(ctx, task.ID)
		if err == nil && got.Status == types.TaskWaitingApproval {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	n, err := h.approvals.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep resolved %d requests, want 1", n)
	}

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := h.tasks.Get(ctx, task.ID)
	if got.Status != types.TaskPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}

	if n, err := h.approvals.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v, want 0, nil", n, err)
	}
	resolved := 0
	if err := h.trail.ForEach(ctx, task.ID, 0, func(e types.AuditEntry) error {
		if e.Action == types.AuditApprovalResolved {
			resolved++
		}
		return nil
	}); err != nil {
		t.Fatalf("trail: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("timeout resolution audited %d times, want 1", resolved)
	}
}

func TestRunnerLimitsOneRunPerTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	plan := threeStepPlan()
	task := h.readyTask(t, plan)

	block := make(chan struct{})
	h.engine.dispatcher.Register("record", dispatch.ToolFunc(func(ctx context.Context, operation string, _ map[string]any) (dispatch.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return dispatch.Result{Output: map[string]any{"operation": operation}}, nil
	}))

	runner := NewRunner(h.engine, 2, nil)
	defer runner.Shutdown()

	if err := runner.Start(task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Let the run reach the blocking tool.
	deadline := time.Now().Add(2 * time.Second)
	for !runner.Running(task.ID) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := runner.Start(task.ID); err == nil {
		t.Fatalf("second start should report the in-flight run")
	}
	close(block)
}

func stepResult(task *types.Task, ordinal int) *types.StepResult {
	for i := range task.StepResults {
		if task.StepResults[i].Ordinal == ordinal {
			return &task.StepResults[i]
		}
	}
	return nil
}
