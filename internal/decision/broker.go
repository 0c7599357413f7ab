// SPDX-License-Identifier: AGPL-3.0-or-later

// Package decision brokers open questions between the engine and a human.
// A request enumerates options; the answer is written back into the owning
// plan's context map so downstream steps can branch on it.
package decision

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

// TimeoutActorID marks resolutions applied by a timeout default.
const TimeoutActorID = "system:timeout"

// ErrUnknownOption is returned when a resolution names an option the request
// does not carry.
var ErrUnknownOption = errors.New("decision: unknown option")

const (
	defaultAwaitPoll  = 500 * time.Millisecond
	defaultSweepEvery = 30 * time.Second
)

// Broker creates and resolves decision requests.
type Broker struct {
	requests *coredb.RequestStore
	plans    *coredb.PlanStore
	trail    *coredb.Trail
	emitter  *events.Emitter
	logger   *slog.Logger

	nowFn      func() time.Time
	idFn       func() string
	resolvedFn func(context.Context, *types.DecisionRequest)
}

// OnResolved registers a continuation the broker runs after a timeout
// default resolves a request. Human resolutions go through their caller's
// own continuation; the hook keeps timeout resolutions from stranding the
// owning task. Must be set before the broker is shared.
func (b *Broker) OnResolved(fn func(context.Context, *types.DecisionRequest)) {
	b.resolvedFn = fn
}

// New constructs a broker. plans, emitter, and logger may be nil; without a
// plan store answers are still recorded, just not written into plan context.
func New(requests *coredb.RequestStore, plans *coredb.PlanStore, trail *coredb.Trail, emitter *events.Emitter, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		requests: requests,
		plans:    plans,
		trail:    trail,
		emitter:  emitter,
		logger:   logger,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
		idFn: uuid.NewString,
	}
}

// Ask creates a pending decision request. Without a default option the
// request never times out: the owning task waits until answered or
// cancelled.
func (b *Broker) Ask(ctx context.Context, req *types.DecisionRequest) (*types.DecisionRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("decision request required")
	}
	if req.TaskID == "" {
		return nil, fmt.Errorf("decision request: task id required")
	}
	if len(req.Options) == 0 {
		return nil, fmt.Errorf("decision request: at least one option required")
	}
	if req.DefaultID != "" && req.Option(req.DefaultID) == nil {
		return nil, fmt.Errorf("decision request: default %q: %w", req.DefaultID, ErrUnknownOption)
	}
	now := b.nowFn()
	if req.ID == "" {
		req.ID = b.idFn()
	}
	req.Status = types.DecisionPending
	req.CreatedAt = now
	if req.DefaultID != "" && req.Timeout > 0 {
		req.ExpiresAt = now.Add(req.Timeout)
	} else {
		req.ExpiresAt = time.Time{}
	}

	if err := b.requests.CreateDecision(ctx, req); err != nil {
		return nil, err
	}
	b.audit(ctx, req, types.AuditDecisionRequested, types.Actor{Kind: types.ActorSystem, ID: "taskd"}, types.OutcomeAllowed, map[string]any{
		"question": req.Question,
		"options":  len(req.Options),
		"default":  req.DefaultID,
	})
	b.emitter.EmitDecision(req.TaskID, req.ID, string(req.Status), true)
	b.logger.Info("decision requested",
		slog.String("request", req.ID),
		slog.String("task", req.TaskID),
		slog.Int("options", len(req.Options)))
	return req, nil
}

// Get loads one request, applying its timeout default first when overdue.
func (b *Broker) Get(ctx context.Context, id string) (*types.DecisionRequest, error) {
	req, err := b.requests.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.overdue(req) {
		return b.applyTimeout(ctx, req)
	}
	return req, nil
}

// Decide resolves a pending request with the chosen option. Returns
// coredb.ErrAlreadyResolved when another writer resolved it first and
// ErrUnknownOption when the option id is not one of the request's options.
func (b *Broker) Decide(ctx context.Context, id, optionID string, actor types.Actor) (*types.DecisionRequest, error) {
	req, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != types.DecisionPending {
		return req, fmt.Errorf("decision %s is %s: %w", id, req.Status, coredb.ErrAlreadyResolved)
	}
	if req.Option(optionID) == nil {
		return req, fmt.Errorf("decision %s: option %q: %w", id, optionID, ErrUnknownOption)
	}
	return b.resolve(ctx, req, types.DecisionAnswered, optionID, actor)
}

// Cancel marks a pending request cancelled, leaving no chosen option.
func (b *Broker) Cancel(ctx context.Context, id string, actor types.Actor) (*types.DecisionRequest, error) {
	req, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != types.DecisionPending {
		return req, fmt.Errorf("decision %s is %s: %w", id, req.Status, coredb.ErrAlreadyResolved)
	}
	return b.resolve(ctx, req, types.DecisionCancelled, "", actor)
}

// Pending lists pending requests for a task, resolving overdue ones on the
// way.
func (b *Broker) Pending(ctx context.Context, taskID string) ([]*types.DecisionRequest, error) {
	reqs, err := b.requests.ListDecisions(ctx, taskID, types.DecisionPending, 100)
	if err != nil {
		return nil, err
	}
	out := reqs[:0]
	for _, req := range reqs {
		if b.overdue(req) {
			if _, err := b.applyTimeout(ctx, req); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Await blocks until the request leaves pending or ctx is done. Requests
// with no default option wait indefinitely.
func (b *Broker) Await(ctx context.Context, id string, poll time.Duration) (*types.DecisionRequest, error) {
	if poll <= 0 {
		poll = defaultAwaitPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		req, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != types.DecisionPending {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep resolves every overdue pending request and returns how many were
// resolved.
func (b *Broker) Sweep(ctx context.Context) (int, error) {
	reqs, err := b.requests.ExpiredDecisions(ctx, b.nowFn())
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, req := range reqs {
		if !b.overdue(req) {
			continue
		}
		if _, err := b.applyTimeout(ctx, req); err != nil {
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
func (b *Broker) RunSweeper(ctx context.Context, every time.Duration) {
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
			n, err := b.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn("decision sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				b.logger.Info("decision sweep resolved requests", slog.Int("count", n))
			}
		}
	}
}

// overdue reports whether the request's timeout default should fire. A
// request with no default option has a zero deadline and never fires.
func (b *Broker) overdue(req *types.DecisionRequest) bool {
	return req.Status == types.DecisionPending &&
		req.DefaultID != "" &&
		!req.ExpiresAt.IsZero() &&
		!b.nowFn().Before(req.ExpiresAt)
}

func (b *Broker) applyTimeout(ctx context.Context, req *types.DecisionRequest) (*types.DecisionRequest, error) {
	got, err := b.resolve(ctx, req, types.DecisionTimeout, req.DefaultID, types.Actor{Kind: types.ActorSystem, ID: TimeoutActorID})
	if err != nil {
		if errors.Is(err, coredb.ErrAlreadyResolved) {
			return b.requests.GetDecision(ctx, req.ID)
		}
		return nil, err
	}
	if b.resolvedFn != nil {
		b.resolvedFn(ctx, got)
	}
	return got, nil
}

func (b *Broker) resolve(ctx context.Context, req *types.DecisionRequest, status types.DecisionStatus, chosen string, actor types.Actor) (*types.DecisionRequest, error) {
	now := b.nowFn()
	req.Status = status
	req.ChosenID = chosen
	req.DecidedBy = actor.ID
	req.DecidedAt = &now
	if err := b.requests.ResolveDecision(ctx, req); err != nil {
		return nil, err
	}
	if chosen != "" {
		if err := b.recordChoice(ctx, req); err != nil {
			b.logger.Warn("decision choice not written to plan",
				slog.String("request", req.ID),
				slog.String("error", err.Error()))
		}
	}

	outcome := types.OutcomeAllowed
	if status == types.DecisionCancelled {
		outcome = types.OutcomeWarning
	}
	b.audit(ctx, req, types.AuditDecisionResolved, actor, outcome, map[string]any{
		"status": string(status),
		"chosen": chosen,
	})
	b.emitter.EmitDecision(req.TaskID, req.ID, string(status), false)
	b.logger.Info("decision resolved",
		slog.String("request", req.ID),
		slog.String("task", req.TaskID),
		slog.String("status", string(status)),
		slog.String("chosen", chosen))
	return req, nil
}

// recordChoice writes the chosen option into the owning plan's context under
// "decision:<request id>" so later steps can branch on it.
func (b *Broker) recordChoice(ctx context.Context, req *types.DecisionRequest) error {
	if b.plans == nil || req.PlanID == "" {
		return nil
	}
	plan, err := b.plans.Get(ctx, req.PlanID)
	if err != nil {
		return err
	}
	if plan.Context == nil {
		plan.Context = make(map[string]any, 1)
	}
	plan.Context["decision:"+req.ID] = req.ChosenID
	return b.plans.Update(ctx, plan)
}

func (b *Broker) audit(ctx context.Context, req *types.DecisionRequest, action string, actor types.Actor, outcome types.AuditOutcome, details map[string]any) {
	if b.trail == nil {
		return
	}
	if _, err := b.trail.Append(ctx, types.AuditEntry{
		Actor:   actor,
		Action:  action,
		TaskID:  req.TaskID,
		PlanID:  req.PlanID,
		Outcome: outcome,
		Details: details,
	}); err != nil {
		b.logger.Warn("audit append failed", slog.String("error", err.Error()))
	}
}
