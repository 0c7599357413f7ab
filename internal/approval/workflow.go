// SPDX-License-Identifier: AGPL-3.0-or-later

// Package approval runs the human-in-the-loop sign-off workflow. Requests are
// resolved exactly once: a late human decision and a timeout default race
// through the same conditional write, and the loser observes
// coredb.ErrAlreadyResolved.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/events"
	"github.com/taskd-org/taskd/internal/types"
)

// TimeoutActorID marks resolutions applied by a timeout default rather than
// a human.
const TimeoutActorID = "system:timeout"

const (
	defaultTimeout      = time.Hour
	defaultAwaitPoll    = 500 * time.Millisecond
	defaultSweepEvery   = 30 * time.Second
	defaultTotalLevels  = 1
	defaultRequestLimit = 100
)

// Workflow creates, resolves, and expires approval requests.
type Workflow struct {
	requests *coredb.RequestStore
	trail    *coredb.Trail
	emitter  *events.Emitter
	logger   *slog.Logger

	timeout    time.Duration
	nowFn      func() time.Time
	idFn       func() string
	resolvedFn func(context.Context, *types.ApprovalRequest)
}

// OnResolved registers a continuation run after a timeout default resolves
// a request. Human resolutions are continued by their caller; the hook
// keeps timeout resolutions from stranding the owning task. Must be set
// before the workflow is shared.
func (w *Workflow) OnResolved(fn func(context.Context, *types.ApprovalRequest)) {
	w.resolvedFn = fn
}

// Option adjusts workflow construction.
type Option func(*Workflow)

// WithTimeout overrides the default request timeout applied when a request
// does not carry one.
func WithTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// New constructs an approval workflow. The emitter and logger may be nil.
func New(requests *coredb.RequestStore, trail *coredb.Trail, emitter *events.Emitter, logger *slog.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		requests: requests,
		trail:    trail,
		emitter:  emitter,
		logger:   logger,
		timeout:  defaultTimeout,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
		idFn: uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Request creates a pending approval request. The caller fills the target
// fields (task, plan, step ordinal, description, risk, approver chain);
// Request assigns id, timestamps, and defaults.
func (w *Workflow) Request(ctx context.Context, req *types.ApprovalRequest) (*types.ApprovalRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("approval request required")
	}
	if req.TaskID == "" {
		return nil, fmt.Errorf("approval request: task id required")
	}
	now := w.nowFn()
	req.ID = w.idFn()
	req.Status = types.ApprovalPending
	req.CreatedAt = now
	if req.Timeout <= 0 {
		req.Timeout = w.timeout
	}
	req.ExpiresAt = now.Add(req.Timeout)
	if req.DefaultAction == "" {
		req.DefaultAction = types.DefaultPause
	}
	if req.TotalLevels <= 0 {
		req.TotalLevels = max(defaultTotalLevels, len(req.Approvers))
	}
	req.CurrentLevel = 0

	if err := w.requests.CreateApproval(ctx, req); err != nil {
		return nil, err
	}
	w.audit(ctx, req, types.AuditApprovalRequested, types.Actor{Kind: types.ActorSystem, ID: "taskd"}, types.OutcomeAllowed, map[string]any{
		"risk":           req.Risk.String(),
		"step_ordinal":   req.StepOrdinal,
		"default_action": string(req.DefaultAction),
		"total_levels":   req.TotalLevels,
	})
	w.emitter.EmitApproval(req.TaskID, req.ID, string(req.Status), true)
	w.logger.Info("approval requested",
		slog.String("request", req.ID),
		slog.String("task", req.TaskID),
		slog.String("risk", req.Risk.String()))
	return req, nil
}

// Get loads one request, first applying its timeout default if the deadline
// has passed. Reads therefore never observe an overdue pending request.
func (w *Workflow) Get(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	req, err := w.requests.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == types.ApprovalPending && !w.nowFn().Before(req.ExpiresAt) {
		return w.applyTimeout(ctx, req)
	}
	return req, nil
}

// Approve records one approver's sign-off. On a multi-level chain this
// advances the level and resets the deadline; exhausting the chain resolves
// the request as approved. Returns coredb.ErrAlreadyResolved when the request
// is no longer pending.
func (w *Workflow) Approve(ctx context.Context, id string, actor types.Actor, comments string) (*types.ApprovalRequest, error) {
	req, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != types.ApprovalPending {
		return req, fmt.Errorf("approval %s is %s: %w", id, req.Status, coredb.ErrAlreadyResolved)
	}

	if req.CurrentLevel+1 < req.TotalLevels {
		now := w.nowFn()
		req.CurrentLevel++
		req.ExpiresAt = now.Add(req.Timeout)
		if comments != "" {
			req.Comments = comments
		}
		if err := w.requests.AdvanceApproval(ctx, req); err != nil {
			return nil, err
		}
		w.audit(ctx, req, types.AuditApprovalResolved, actor, types.OutcomeAllowed, map[string]any{
			"terminal":      false,
			"current_level": req.CurrentLevel,
			"total_levels":  req.TotalLevels,
		})
		w.logger.Info("approval level advanced",
			slog.String("request", req.ID),
			slog.Int("level", req.CurrentLevel),
			slog.Int("of", req.TotalLevels))
		return req, nil
	}

	return w.resolve(ctx, req, types.ApprovalApproved, actor, comments)
}

// Reject resolves the request as rejected. Rejection at any chain level is
// terminal.
func (w *Workflow) Reject(ctx context.Context, id string, actor types.Actor, comments string) (*types.ApprovalRequest, error) {
	req, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != types.ApprovalPending {
		return req, fmt.Errorf("approval %s is %s: %w", id, req.Status, coredb.ErrAlreadyResolved)
	}
	return w.resolve(ctx, req, types.ApprovalRejected, actor, comments)
}

// Pending lists pending requests for a task, resolving any that are overdue
// along the way.
func (w *Workflow) Pending(ctx context.Context, taskID string) ([]*types.ApprovalRequest, error) {
	reqs, err := w.requests.ListApprovals(ctx, taskID, types.ApprovalPending, defaultRequestLimit)
	if err != nil {
		return nil, err
	}
	now := w.nowFn()
	out := reqs[:0]
	for _, req := range reqs {
		if !now.Before(req.ExpiresAt) {
			if _, err := w.applyTimeout(ctx, req); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Await blocks until the request reaches a terminal state or ctx is done.
// It polls through Get, so timeout defaults apply even with no sweeper
// running.
func (w *Workflow) Await(ctx context.Context, id string, poll time.Duration) (*types.ApprovalRequest, error) {
	if poll <= 0 {
		poll = defaultAwaitPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		req, err := w.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != types.ApprovalPending {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep resolves every pending request whose deadline has passed and returns
// how many it resolved. Safe to run concurrently with human resolutions.
func (w *Workflow) Sweep(ctx context.Context) (int, error) {
	reqs, err := w.requests.ExpiredApprovals(ctx, w.nowFn())
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, req := range reqs {
		if _, err := w.applyTimeout(ctx, req); err != nil {
			if errors.Is(err, coredb.ErrAlreadyResolved) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// RunSweeper sweeps on an interval until ctx is done.
func (w *Workflow) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = defaultSweepEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("approval sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				w.logger.Info("approval sweep resolved requests", slog.Int("count", n))
			}
		}
	}
}

// applyTimeout resolves an overdue request per its default action. The
// conditional write makes this idempotent against both the sweeper and lazy
// reads; the loser reloads and returns the winner's state.
func (w *Workflow) applyTimeout(ctx context.Context, req *types.ApprovalRequest) (*types.ApprovalRequest, error) {
	now := w.nowFn()
	switch req.DefaultAction {
	case types.DefaultApprove:
		req.Status = types.ApprovalApproved
	case types.DefaultReject:
		req.Status = types.ApprovalRejected
	default:
		// pause: the request expires and the owning task stays suspended.
		req.Status = types.ApprovalExpired
	}
	req.DecidedBy = TimeoutActorID
	req.DecidedAt = &now
	if req.Comments == "" {
		req.Comments = fmt.Sprintf("timeout default %s applied", req.DefaultAction)
	}

	if err := w.requests.ResolveApproval(ctx, req); err != nil {
		if errors.Is(err, coredb.ErrAlreadyResolved) {
			return w.requests.GetApproval(ctx, req.ID)
		}
		return nil, err
	}

	actor := types.Actor{Kind: types.ActorSystem, ID: TimeoutActorID}
	w.audit(ctx, req, types.AuditApprovalResolved, actor, outcomeFor(req.Status), map[string]any{
		"terminal":       true,
		"default_action": string(req.DefaultAction),
		"timed_out":      true,
	})
	w.emitter.EmitApproval(req.TaskID, req.ID, string(req.Status), false)
	w.logger.Info("approval resolved by timeout",
		slog.String("request", req.ID),
		slog.String("task", req.TaskID),
		slog.String("status", string(req.Status)))
	if w.resolvedFn != nil {
		w.resolvedFn(ctx, req)
	}
	return req, nil
}

func (w *Workflow) resolve(ctx context.Context, req *types.ApprovalRequest, status types.ApprovalStatus, actor types.Actor, comments string) (*types.ApprovalRequest, error) {
	now := w.nowFn()
	req.Status = status
	req.DecidedBy = actor.ID
	req.DecidedAt = &now
	if comments != "" {
		req.Comments = comments
	}
	if err := w.requests.ResolveApproval(ctx, req); err != nil {
		return nil, err
	}
	w.audit(ctx, req, types.AuditApprovalResolved, actor, outcomeFor(status), map[string]any{
		"terminal":      true,
		"current_level": req.CurrentLevel,
		"total_levels":  req.TotalLevels,
	})
	w.emitter.EmitApproval(req.TaskID, req.ID, string(status), false)
	w.logger.Info("approval resolved",
		slog.String("request", req.ID),
		slog.String("task", req.TaskID),
		slog.String("status", string(status)),
		slog.String("by", actor.ID))
	return req, nil
}

func (w *Workflow) audit(ctx context.Context, req *types.ApprovalRequest, action string, actor types.Actor, outcome types.AuditOutcome, details map[string]any) {
	if w.trail == nil {
		return
	}
	stepID := ""
	if !req.PlanLevel() {
		stepID = fmt.Sprintf("step-%d", req.StepOrdinal)
	}
	if _, err := w.trail.Append(ctx, types.AuditEntry{
		Actor:   actor,
		Action:  action,
		TaskID:  req.TaskID,
		PlanID:  req.PlanID,
		StepID:  stepID,
		Outcome: outcome,
		Details: details,
	}); err != nil {
		w.logger.Warn("audit append failed", slog.String("error", err.Error()))
	}
}

func outcomeFor(status types.ApprovalStatus) types.AuditOutcome {
	switch status {
	case types.ApprovalApproved:
		return types.OutcomeAllowed
	case types.ApprovalRejected:
		return types.OutcomeBlocked
	default:
		return types.OutcomeWarning
	}
}
