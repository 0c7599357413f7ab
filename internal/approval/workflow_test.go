package approval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/types"
)

func newTestWorkflow(t *testing.T) (*Workflow, *time.Time) {
	t.Helper()
	ctx := context.Background()
	db, err := coredb.Open(ctx, coredb.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	w := New(coredb.NewRequestStore(db), coredb.NewTrail(db), nil, nil)
	w.nowFn = func() time.Time { return now }
	n := 0
	w.idFn = func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}
	return w, &now
}

func humanActor(id string) types.Actor {
	return types.Actor{Kind: types.ActorHuman, ID: id}
}

func TestRequestDefaults(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorkflow(t)
	ctx := context.Background()

	req, err := w.Request(ctx, &types.ApprovalRequest{
		TaskID:      "task-1",
		PlanID:      "plan-1",
		StepOrdinal: 2,
		Risk:        types.RiskHigh,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != types.ApprovalPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.DefaultAction != types.DefaultPause {
		t.Fatalf("default action = %s, want pause", req.DefaultAction)
	}
	if req.TotalLevels != 1 || req.CurrentLevel != 0 {
		t.Fatalf("levels = %d/%d, want 0/1", req.CurrentLevel, req.TotalLevels)
	}
	if got := req.ExpiresAt.Sub(req.CreatedAt); got != defaultTimeout {
		t.Fatalf("timeout window = %v, want %v", got, defaultTimeout)
	}
}

func TestApproveSingleLevel(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorkflow(t)
	ctx := context.Background()

	req, _ := w.Request(ctx, &types.ApprovalRequest{TaskID: "task-1"})
	resolved, err := w.Approve(ctx, req.ID, humanActor("alice"), "looks safe")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if resolved.Status != types.ApprovalApproved {
		t.Fatalf("status = %s, want approved", resolved.Status)
	}
	if resolved.DecidedBy != "alice" || resolved.DecidedAt == nil {
		t.Fatalf("decided-by not captured: %+v", resolved)
	}
	if resolved.Comments != "looks safe" {
		t.Fatalf("comments = %q", resolved.Comments)
	}

	if _, err := w.Approve(ctx, req.ID, humanActor("bob"), ""); !errors.Is(err, coredb.ErrAlreadyResolved) {
		t.Fatalf("second approve should conflict, got %v", err)
	}
}

func TestApprovalChainAdvancesThenResolves(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorkflow(t)
	ctx := context.Background()

	req, _ := w.Request(ctx, &types.ApprovalRequest{
		TaskID:    "task-1",
		Approvers: []string{"lead", "manager", "director"},
	})
	if req.TotalLevels != 3 {
		t.Fatalf("total levels = %d, want 3", req.TotalLevels)
	}

	for level, approver := range []string{"lead", "manager"} {
		got, err := w.Approve(ctx, req.ID, humanActor(approver), "")
		if err != nil {
			t.Fatalf("level %d approve: %v", level, err)
		}
		if got.Status != types.ApprovalPending || got.CurrentLevel != level+1 {
			t.Fatalf("after level %d: status %s level %d", level, got.Status, got.CurrentLevel)
		}
	}
	final, err := w.Approve(ctx, req.ID, humanActor("director"), "")
	if err != nil {
		t.Fatalf("final approve: %v", err)
	}
	if final.Status != types.ApprovalApproved {
		t.Fatalf("exhausted chain must approve, got %s", final.Status)
	}
}

func TestRejectIsTerminalAtAnyLevel(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorkflow(t)
	ctx := context.Background()

	req, _ := w.Request(ctx, &types.ApprovalRequest{
		TaskID:    "task-1",
		Approvers: []string{"lead", "manager"},
	})
	if _, err := w.Approve(ctx, req.ID, humanActor("lead"), ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := w.Reject(ctx, req.ID, humanActor("manager"), "too risky")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != types.ApprovalRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if _, err := w.Approve(ctx, req.ID, humanActor("director"), ""); !errors.Is(err, coredb.ErrAlreadyResolved) {
		t.Fatalf("approve after reject should conflict, got %v", err)
	}
}

func TestTimeoutAppliesDefaultAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action types.DefaultAction
		want   types.ApprovalStatus
	}{
		{types.DefaultApprove, types.ApprovalApproved},
		{types.DefaultReject, types.ApprovalRejected},
		{types.DefaultPause, types.ApprovalExpired},
	}
	for _, tc := range tests {
		w, now := newTestWorkflow(t)
		ctx := context.Background()

		req, _ := w.Request(ctx, &types.ApprovalRequest{
			TaskID:        "task-1",
			Timeout:       time.Minute,
			DefaultAction: tc.action,
		})
		*now = now.Add(2 * time.Minute)

		got, err := w.Get(ctx, req.ID)
		if err != nil {
			t.Fatalf("%s: get: %v", tc.action, err)
		}
		if got.Status != tc.want {
			t.Fatalf("%s: status = %s, want %s", tc.action, got.Status, tc.want)
		}
		if got.DecidedBy != TimeoutActorID {
			t.Fatalf("%s: decided-by = %q, want %q", tc.action, got.DecidedBy, TimeoutActorID)
		}
	}
}

func TestSweepResolvesOnlyOverdueRequests(t *testing.T) {
	t.Parallel()

	w, now := newTestWorkflow(t)
	ctx := context.Background()

	short, _ := w.Request(ctx, &types.ApprovalRequest{TaskID: "task-1", Timeout: time.Minute})
	long, _ := w.Request(ctx, &types.ApprovalRequest{TaskID: "task-1", Timeout: time.Hour})
	*now = now.Add(5 * time.Minute)

	n, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep resolved %d, want 1", n)
	}
	if got, _ := w.Get(ctx, short.ID); got.Status != types.ApprovalExpired {
		t.Fatalf("short request status = %s, want expired", got.Status)
	}
	if got, _ := w.Get(ctx, long.ID); got.Status != types.ApprovalPending {
		t.Fatalf("long request status = %s, want pending", got.Status)
	}
}

func TestSweepRunsResolvedContinuation(t *testing.T) {
	t.Parallel()

	w, now := newTestWorkflow(t)
	ctx := context.Background()

	var seen []*types.ApprovalRequest
	w.OnResolved(func(_ context.Context, req *types.ApprovalRequest) {
		seen = append(seen, req)
	})

	req, _ := w.Request(ctx, &types.ApprovalRequest{
		TaskID:      "task-1",
		StepOrdinal: -1,
		Timeout:     time.Minute,
	})
	*now = now.Add(2 * time.Minute)
	if n, err := w.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = (%d, %v), want (1, nil)", n, err)
	}
	if len(seen) != 1 || seen[0].ID != req.ID || seen[0].Status != types.ApprovalExpired {
		t.Fatalf("continuation saw %+v, want the expired %s", seen, req.ID)
	}

	// Human resolutions continue through their caller, not the hook.
	other, _ := w.Request(ctx, &types.ApprovalRequest{TaskID: "task-1"})
	if _, err := w.Approve(ctx, other.ID, humanActor("alice"), ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(seen) != 1 {
		t.Fatal("hook ran on a human resolution")
	}
}

func TestHumanDecisionBeatsTimeoutExactlyOnce(t *testing.T) {
	t.Parallel()

	w, now := newTestWorkflow(t)
	ctx := context.Background()

	req, _ := w.Request(ctx, &types.ApprovalRequest{
		TaskID:        "task-1",
		Timeout:       time.Minute,
		DefaultAction: types.DefaultReject,
	})
	// Human resolves before the clock moves; the later sweep must not
	// overwrite the decision.
	if _, err := w.Approve(ctx, req.ID, humanActor("alice"), ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	*now = now.Add(time.Hour)
	if n, err := w.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("sweep = (%d, %v), want (0, nil)", n, err)
	}
	got, _ := w.Get(ctx, req.ID)
	if got.Status != types.ApprovalApproved || got.DecidedBy != "alice" {
		t.Fatalf("human decision lost: %+v", got)
	}
}

func TestPendingFiltersOverdue(t *testing.T) {
	t.Parallel()

	w, now := newTestWorkflow(t)
	ctx := context.Background()

	stale, _ := w.Request(ctx, &types.ApprovalRequest{TaskID: "task-1", Timeout: time.Minute})
	fresh, _ := w.Request(ctx, &types.ApprovalRequest{TaskID: "task-1", Timeout: time.Hour})
	*now = now.Add(10 * time.Minute)

	pending, err := w.Pending(ctx, "task-1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != fresh.ID {
		t.Fatalf("pending = %+v, want only %s", pending, fresh.ID)
	}
	if got, _ := w.Get(ctx, stale.ID); got.Status != types.ApprovalExpired {
		t.Fatalf("stale request not resolved: %s", got.Status)
	}
}

func TestAwaitReturnsOnResolution(t *testing.T) {
	t.Parallel()

	w, _ := newTestWorkflow(t)
	ctx := context.Background()

	req, _ := w.Request(ctx, &types.ApprovalRequest{TaskID: "task-1"})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Approve(ctx, req.ID, humanActor("alice"), "")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := w.Await(waitCtx, req.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.Status != types.ApprovalApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}
}
