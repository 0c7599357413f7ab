// SPDX-License-Identifier: AGPL-3.0-or-later

// Package simulate predicts the impact of plan steps without executing them.
// Strategies are registered per action type; anything unregistered gets a
// conservative unknown-impact prediction that recommends manual review.
package simulate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskd-org/taskd/internal/types"
	"golang.org/x/sync/errgroup"
)

const stepConcurrency = 8

// Prediction is a strategy's estimate for one step.
type Prediction struct {
	SuccessProbability float64
	FailureModes       []string
	RecordsCreated     int
	RecordsModified    int
	RecordsDeleted     int
	Credentials        []string
	ExternalSystems    []string
	SideEffects        []string
	Reversible         bool
}

// Strategy estimates the impact of one step. Strategies must not perform the
// real action; the context exists only to honor cancellation.
type Strategy func(ctx context.Context, step types.Step) (Prediction, error)

// Simulator evaluates plans against the registered strategy set.
type Simulator struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	nowFn      func() time.Time
	idFn       func() string
}

// New returns a simulator preloaded with the built-in strategies.
func New() *Simulator {
	s := &Simulator{
		strategies: make(map[string]Strategy),
		nowFn:      func() time.Time { return time.Now().UTC() },
		idFn:       uuid.NewString,
	}
	registerBuiltins(s)
	return s
}

// Register installs a strategy for an action type, replacing any existing
// one.
func (s *Simulator) Register(action string, strategy Strategy) {
	if strategy == nil {
		return
	}
	s.mu.Lock()
	s.strategies[action] = strategy
	s.mu.Unlock()
}

func (s *Simulator) strategyFor(action string) (Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if strategy, ok := s.strategies[action]; ok {
		return strategy, true
	}
	// Fall back on the action family: "db.delete_bulk" -> "db.*".
	if i := strings.IndexByte(action, '.'); i > 0 {
		if strategy, ok := s.strategies[action[:i]+".*"]; ok {
			return strategy, true
		}
	}
	return nil, false
}

// SimulateStep predicts the impact of a single step. Unregistered action
// types yield a zero-probability outcome flagged for manual review rather
// than an error.
func (s *Simulator) SimulateStep(ctx context.Context, step types.Step) (types.StepOutcome, Prediction, bool) {
	outcome := types.StepOutcome{
		Ordinal:          step.Ordinal,
		Name:             step.Name,
		EstimatedSeconds: step.EstimatedSeconds,
	}
	strategy, known := s.strategyFor(step.Action)
	if !known {
		outcome.FailureModes = []string{"no simulation strategy for action " + step.Action}
		return outcome, Prediction{}, false
	}
	pred, err := strategy(ctx, step)
	if err != nil {
		outcome.FailureModes = []string{err.Error()}
		return outcome, Prediction{}, true
	}
	outcome.SuccessProbability = pred.SuccessProbability
	outcome.WouldSucceed = pred.SuccessProbability >= 0.5
	outcome.FailureModes = pred.FailureModes
	return outcome, pred, true
}

// SimulatePlan dry-runs every step of the plan and aggregates the predicted
// impact. Steps simulate concurrently; outcomes are reported in step order.
func (s *Simulator) SimulatePlan(ctx context.Context, plan *types.Plan) (*types.SimulationResult, error) {
	start := s.nowFn()
	result := &types.SimulationResult{
		ID:          s.idFn(),
		Success:     true,
		Confidence:  1.0,
		SimulatedAt: start,
		Impact: types.Impact{
			Reversible:       true,
			EstimatedCostUSD: plan.Estimate.EstimatedCostUSD,
			EstimatedSeconds: plan.Estimate.EstimatedSeconds,
		},
	}

	var mu sync.Mutex
	outcomes := make([]types.StepOutcome, len(plan.Steps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stepConcurrency)
	for i, step := range plan.Steps {
		g.Go(func() error {
			outcome, pred, known := s.SimulateStep(gctx, step)

			mu.Lock()
			defer mu.Unlock()
			outcomes[i] = outcome

			if !known {
				result.ManualReview = true
				result.Confidence = min(result.Confidence, 0.3)
				result.SideEffects = append(result.SideEffects,
					"unknown impact for action "+step.Action+", manual review recommended")
				return nil
			}

			result.Impact.RecordsCreated += pred.RecordsCreated
			result.Impact.RecordsModified += pred.RecordsModified
			result.Impact.RecordsDeleted += pred.RecordsDeleted
			result.Impact.Credentials = mergeUnique(result.Impact.Credentials, pred.Credentials)
			result.Impact.ExternalSystems = mergeUnique(result.Impact.ExternalSystems, pred.ExternalSystems)
			result.SideEffects = append(result.SideEffects, pred.SideEffects...)
			if !pred.Reversible {
				result.Impact.Reversible = false
			}
			if !outcome.WouldSucceed {
				result.Success = false
			}
			result.Confidence = min(result.Confidence, outcome.SuccessProbability)
			if step.Risk >= types.RiskHigh {
				result.ManualReview = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Steps = outcomes
	result.Impact.RiskLevel = worstRisk(plan.Steps)
	result.Impact.RiskScore = riskScore(result)
	sort.Strings(result.SideEffects)
	result.DurationMs = s.nowFn().Sub(start).Milliseconds()
	return result, nil
}

func worstRisk(steps []types.Step) types.RiskLevel {
	worst := types.RiskLow
	for _, step := range steps {
		if step.Risk > worst {
			worst = step.Risk
		}
	}
	return worst
}

// riskScore folds the simulation into [0,1]: base from the worst step risk,
// raised for irreversible plans and predicted failure.
func riskScore(result *types.SimulationResult) float64 {
	score := float64(result.Impact.RiskLevel) * 0.25
	if !result.Impact.Reversible {
		score += 0.2
	}
	if !result.Success {
		score += 0.2
	}
	if result.ManualReview {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func mergeUnique(base, extra []string) []string {
	for _, item := range extra {
		found := false
		for _, existing := range base {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			base = append(base, item)
		}
	}
	return base
}
