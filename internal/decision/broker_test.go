package decision

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/types"
)

func newTestBroker(t *testing.T) (*Broker, *coredb.PlanStore, *time.Time) {
	t.Helper()
	ctx := context.Background()
	db, err := coredb.Open(ctx, coredb.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	plans := coredb.NewPlanStore(db)
	b := New(coredb.NewRequestStore(db), plans, coredb.NewTrail(db), nil, nil)
	b.nowFn = func() time.Time { return now }
	n := 0
	b.idFn = func() string {
		n++
		return fmt.Sprintf("dec-%d", n)
	}
	return b, plans, &now
}

func twoOptions() []types.DecisionOption {
	return []types.DecisionOption{
		{ID: "archive", Label: "Archive first", TradeOff: "slower, reversible"},
		{ID: "purge", Label: "Purge directly", TradeOff: "fast, irreversible"},
	}
}

func TestAskValidatesOptions(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Ask(ctx, &types.DecisionRequest{TaskID: "task-1"}); err == nil {
		t.Fatalf("empty option list must be rejected")
	}
	_, err := b.Ask(ctx, &types.DecisionRequest{
		TaskID:    "task-1",
		Options:   twoOptions(),
		DefaultID: "nope",
	})
	if !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("unknown default should fail, got %v", err)
	}
}

func TestDecideWritesChoiceIntoPlanContext(t *testing.T) {
	t.Parallel()

	b, plans, _ := newTestBroker(t)
	ctx := context.Background()

	plan := &types.Plan{ID: "plan-1", Intent: "clean records", Status: types.PlanPending}
	if err := plans.Create(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	req, err := b.Ask(ctx, &types.DecisionRequest{
		TaskID:   "task-1",
		PlanID:   "plan-1",
		Question: "How should stale records be removed?",
		Options:  twoOptions(),
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	got, err := b.Decide(ctx, req.ID, "archive", types.Actor{Kind: types.ActorHuman, ID: "alice"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != types.DecisionAnswered || got.ChosenID != "archive" || got.DecidedBy != "alice" {
		t.Fatalf("unexpected resolution: %+v", got)
	}

	stored, err := plans.Get(ctx, "plan-1")
	if err != nil {
		t.Fatalf("reload plan: %v", err)
	}
	if stored.Context["decision:"+req.ID] != "archive" {
		t.Fatalf("plan context missing choice: %v", stored.Context)
	}
}

func TestDecideRejectsUnknownOptionAndDoubleResolve(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t)
	ctx := context.Background()
	actor := types.Actor{Kind: types.ActorHuman, ID: "alice"}

	req, _ := b.Ask(ctx, &types.DecisionRequest{TaskID: "task-1", Options: twoOptions()})
	if _, err := b.Decide(ctx, req.ID, "bogus", actor); !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("bogus option should fail, got %v", err)
	}
	if _, err := b.Decide(ctx, req.ID, "purge", actor); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := b.Decide(ctx, req.ID, "archive", actor); !errors.Is(err, coredb.ErrAlreadyResolved) {
		t.Fatalf("second decide should conflict, got %v", err)
	}
}

func TestTimeoutChoosesDefaultOption(t *testing.T) {
	t.Parallel()

	b, _, now := newTestBroker(t)
	ctx := context.Background()

	req, _ := b.Ask(ctx, &types.DecisionRequest{
		TaskID:    "task-1",
		Options:   twoOptions(),
		DefaultID: "archive",
		Timeout:   time.Minute,
	})
	*now = now.Add(2 * time.Minute)

	got, err := b.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.DecisionTimeout || got.ChosenID != "archive" {
		t.Fatalf("timeout default not applied: %+v", got)
	}
	if got.DecidedBy != TimeoutActorID {
		t.Fatalf("decided-by = %q, want %q", got.DecidedBy, TimeoutActorID)
	}
}

func TestSweepRunsResolvedContinuation(t *testing.T) {
	t.Parallel()

	b, _, now := newTestBroker(t)
	ctx := context.Background()

	var seen []*types.DecisionRequest
	b.OnResolved(func(_ context.Context, req *types.DecisionRequest) {
		seen = append(seen, req)
	})

	req, _ := b.Ask(ctx, &types.DecisionRequest{
		TaskID:    "task-1",
		Options:   twoOptions(),
		DefaultID: "archive",
		Timeout:   time.Minute,
	})
	*now = now.Add(2 * time.Minute)
	if n, err := b.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = (%d, %v), want (1, nil)", n, err)
	}
	if len(seen) != 1 || seen[0].ID != req.ID || seen[0].ChosenID != "archive" {
		t.Fatalf("continuation saw %+v, want the defaulted %s", seen, req.ID)
	}

	// Human answers continue through their caller, not the hook.
	other, _ := b.Ask(ctx, &types.DecisionRequest{TaskID: "task-1", Options: twoOptions()})
	if _, err := b.Decide(ctx, other.ID, "purge", types.Actor{Kind: types.ActorHuman, ID: "alice"}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(seen) != 1 {
		t.Fatal("hook ran on a human answer")
	}
}

func TestNoDefaultWaitsIndefinitely(t *testing.T) {
	t.Parallel()

	b, _, now := newTestBroker(t)
	ctx := context.Background()

	req, _ := b.Ask(ctx, &types.DecisionRequest{
		TaskID:  "task-1",
		Options: twoOptions(),
		Timeout: time.Minute,
	})
	*now = now.Add(100 * 24 * time.Hour)

	if n, err := b.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("sweep = (%d, %v), want (0, nil)", n, err)
	}
	got, err := b.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.DecisionPending {
		t.Fatalf("request without default must stay pending, got %s", got.Status)
	}
}

func TestCancelLeavesNoChoice(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	req, _ := b.Ask(ctx, &types.DecisionRequest{TaskID: "task-1", Options: twoOptions()})
	got, err := b.Cancel(ctx, req.ID, types.Actor{Kind: types.ActorHuman, ID: "alice"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != types.DecisionCancelled || got.ChosenID != "" {
		t.Fatalf("unexpected cancel state: %+v", got)
	}
}

func TestAwaitReturnsWhenAnswered(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	req, _ := b.Ask(ctx, &types.DecisionRequest{TaskID: "task-1", Options: twoOptions()})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Decide(ctx, req.ID, "purge", types.Actor{Kind: types.ActorHuman, ID: "alice"})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := b.Await(waitCtx, req.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got.ChosenID != "purge" {
		t.Fatalf("chosen = %q, want purge", got.ChosenID)
	}
}
