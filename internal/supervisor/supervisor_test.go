package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/types"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *coredb.Trail) {
	t.Helper()
	ctx := context.Background()
	db, err := coredb.Open(ctx, coredb.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	trail := coredb.NewTrail(db)
	return New(coredb.NewTaskStore(db), trail, nil, nil), trail
}

func systemActor() types.Actor {
	return types.Actor{Kind: types.ActorSystem, ID: "taskd"}
}

func TestCanTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to types.TaskStatus
		ok       bool
	}{
		{types.TaskDraft, types.TaskCompiling, true},
		{types.TaskCompiling, types.TaskSimulating, true},
		{types.TaskCompiling, types.TaskPendingApproval, true},
		{types.TaskPendingApproval, types.TaskSimulating, true},
		{types.TaskSimulating, types.TaskReady, true},
		{types.TaskReady, types.TaskRunning, true},
		{types.TaskRunning, types.TaskPaused, true},
		{types.TaskPaused, types.TaskRunning, true},
		{types.TaskRunning, types.TaskBlocked, true},
		{types.TaskBlocked, types.TaskRunning, true},
		{types.TaskRunning, types.TaskCompleted, true},
		{types.TaskDraft, types.TaskCancelled, true},
		{types.TaskRunning, types.TaskFailed, true},
		{types.TaskDraft, types.TaskRunning, false},
		{types.TaskCompleted, types.TaskRunning, false},
		{types.TaskCancelled, types.TaskFailed, false},
		{types.TaskCompleted, types.TaskCancelled, false},
		{types.TaskRunning, types.TaskDraft, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionHappyPathStampsTimestamps(t *testing.T) {
	t.Parallel()

	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	task, err := s.Create(ctx, "t", "do things", types.ModeAutonomous, types.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, to := range []types.TaskStatus{
		types.TaskCompiling, types.TaskSimulating, types.TaskReady, types.TaskRunning,
	} {
		if task, err = s.Transition(ctx, task.ID, to, systemActor(), ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if task.StartedAt == nil {
		t.Fatalf("running must stamp StartedAt")
	}
	task, err = s.Transition(ctx, task.ID, types.TaskCompleted, systemActor(), "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("terminal state must stamp CompletedAt")
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	t.Parallel()

	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	task, _ := s.Create(ctx, "t", "x", types.ModeAutonomous, "")
	if _, err := s.Transition(ctx, task.ID, types.TaskRunning, systemActor(), ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("draft -> running should be illegal, got %v", err)
	}

	if _, err := s.Cancel(ctx, task.ID, systemActor()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.Transition(ctx, task.ID, types.TaskFailed, systemActor(), ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("terminal states admit no transitions, got %v", err)
	}
}

func TestTransitionAuditsEveryChange(t *testing.T) {
	t.Parallel()

	s, trail := newTestSupervisor(t)
	ctx := context.Background()

	task, _ := s.Create(ctx, "t", "x", types.ModeAutonomous, "")
	if _, err := s.Transition(ctx, task.ID, types.TaskCompiling, systemActor(), ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	var actions []string
	if err := trail.ForEach(ctx, task.ID, 0, func(e types.AuditEntry) error {
		actions = append(actions, e.Action)
		return nil
	}); err != nil {
		t.Fatalf("audit iterate: %v", err)
	}
	if len(actions) != 2 || actions[0] != types.AuditTaskCreated || actions[1] != types.AuditTaskTransition {
		t.Fatalf("unexpected audit actions: %v", actions)
	}
}

func TestConcurrentTransitionsStayLegal(t *testing.T) {
	t.Parallel()

	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	task, _ := s.Create(ctx, "t", "x", types.ModeAutonomous, "")
	for _, to := range []types.TaskStatus{types.TaskCompiling, types.TaskSimulating, types.TaskReady, types.TaskRunning} {
		if _, err := s.Transition(ctx, task.ID, to, systemActor(), ""); err != nil {
			t.Fatalf("setup transition: %v", err)
		}
	}

	// completed and cancelled race; exactly one terminal state must win.
	var wg sync.WaitGroup
	for _, to := range []types.TaskStatus{types.TaskCompleted, types.TaskCancelled} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transition(ctx, task.ID, to, systemActor(), "")
		}()
	}
	wg.Wait()

	final, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !final.Status.Terminal() {
		t.Fatalf("expected a terminal status, got %s", final.Status)
	}
}

func TestCheckpointEnforcesProgressMonotonicity(t *testing.T) {
	t.Parallel()

	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	task, _ := s.Create(ctx, "t", "x", types.ModeAutonomous, "")
	for _, to := range []types.TaskStatus{types.TaskCompiling, types.TaskSimulating, types.TaskReady, types.TaskRunning} {
		if _, err := s.Transition(ctx, task.ID, to, systemActor(), ""); err != nil {
			t.Fatalf("setup transition: %v", err)
		}
	}

	if _, err := s.Checkpoint(ctx, task.ID, func(tk *types.Task) error {
		tk.TotalSteps = 2
		tk.CurrentStep = 1
		tk.Progress = 0.5
		return nil
	}); err != nil {
		t.Fatalf("checkpoint forward: %v", err)
	}
	if _, err := s.Checkpoint(ctx, task.ID, func(tk *types.Task) error {
		tk.Progress = 0.25
		return nil
	}); err == nil {
		t.Fatalf("backwards progress must be rejected")
	}
	if _, err := s.Checkpoint(ctx, task.ID, func(tk *types.Task) error {
		tk.Status = types.TaskCompleted
		return nil
	}); err == nil {
		t.Fatalf("checkpoint must not change status")
	}
}
