// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compiler turns extracted intent entities into executable plans.
// Compilation is deterministic: identical entities and constraint
// configuration always produce the same step ordering and approval flags.
package compiler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/taskd-org/taskd/internal/constraint"
	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/types"
)

// Config is an immutable snapshot of compiler policy, captured per compile
// call rather than read from shared mutable state.
type Config struct {
	// ConfidenceFloor routes classifications below it to a human decision.
	ConfidenceFloor float64
	// ApprovalCostThreshold forces requires_approval above this step cost.
	ApprovalCostThreshold float64
	// ApprovalRiskLevel forces requires_approval at or above this risk.
	ApprovalRiskLevel types.RiskLevel
	// DecisionTimeout bounds the clarification request; zero waits forever.
	DecisionTimeout time.Duration
	// MaxAlternatives caps the options offered on a low-confidence intent.
	MaxAlternatives int
}

// DefaultConfig mirrors the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:       0.5,
		ApprovalCostThreshold: 25.0,
		ApprovalRiskLevel:     types.RiskHigh,
		DecisionTimeout:       24 * time.Hour,
		MaxAlternatives:       3,
	}
}

// Output is the result of one compile: exactly one of Plan or Decision is
// set. A Decision means the intent was too ambiguous to plan.
type Output struct {
	Plan     *types.Plan
	Decision *types.DecisionRequest
}

// Compiler builds plans against one constraint snapshot.
type Compiler struct {
	cfg     Config
	checker *constraint.Checker
	nowFn   func() time.Time
	idFn    func() string
}

// New returns a compiler over the provided policy and constraint snapshot.
func New(cfg Config, checker *constraint.Checker) *Compiler {
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.5
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = 3
	}
	if checker == nil {
		checker = constraint.NewChecker(nil)
	}
	return &Compiler{
		cfg:     cfg,
		checker: checker,
		nowFn:   func() time.Time { return time.Now().UTC() },
		idFn:    uuid.NewString,
	}
}

// Compile produces a plan for the intent, or a decision request when the
// classification confidence is below the floor. The context is accepted for
// interface symmetry with the extraction call that precedes compilation;
// compilation itself is pure computation.
func (c *Compiler) Compile(_ context.Context, intent string, entities nlu.Entities) (Output, error) {
	if entities.Confidence < c.cfg.ConfidenceFloor {
		return Output{Decision: c.clarificationRequest(intent, entities)}, nil
	}

	steps := stepsFor(entities)
	now := c.nowFn()
	plan := &types.Plan{
		ID:         c.idFn(),
		Intent:     intent,
		IntentType: entities.IntentType,
		Confidence: entities.Confidence,
		Status:     types.PlanPending,
		Steps:      steps,
		Context:    contextFor(entities),
		CreatedAt:  now,
	}

	if _, err := plan.ExecutionOrder(); err != nil {
		return Output{}, fmt.Errorf("compile plan: %w", err)
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		result := c.checker.Check(step.Action, constraint.Context{
			"estimated_cost": step.EstimatedCost,
			"api_calls":      1,
		})
		if result.Blocked() ||
			step.Risk >= c.cfg.ApprovalRiskLevel ||
			(c.cfg.ApprovalCostThreshold > 0 && step.EstimatedCost > c.cfg.ApprovalCostThreshold) {
			step.RequiresApproval = true
		}
	}

	plan.Estimate = estimate(plan.Steps)
	applyDeclaredBudget(plan, entities)
	plan.Script = renderScript(plan, entities, now)
	return Output{Plan: plan}, nil
}

// clarificationRequest packages the ambiguous classification as enumerated
// interpretation options. The primary interpretation is the default, so a
// timeout proceeds with the engine's best guess.
func (c *Compiler) clarificationRequest(intent string, entities nlu.Entities) *types.DecisionRequest {
	now := c.nowFn()
	options := []types.DecisionOption{{
		ID:       "intent:" + entities.IntentType,
		Label:    "Interpret as " + entities.IntentType,
		TradeOff: fmt.Sprintf("best guess, confidence %.2f", entities.Confidence),
	}}
	for i, alt := range entities.Alternatives {
		if i >= c.cfg.MaxAlternatives-1 {
			break
		}
		options = append(options, types.DecisionOption{
			ID:       "intent:" + alt.IntentType,
			Label:    "Interpret as " + alt.IntentType,
			TradeOff: fmt.Sprintf("confidence %.2f", alt.Confidence),
		})
	}
	req := &types.DecisionRequest{
		ID:        c.idFn(),
		Question:  fmt.Sprintf("Intent %q is ambiguous; which interpretation should proceed?", intent),
		Options:   options,
		DefaultID: options[0].ID,
		Timeout:   c.cfg.DecisionTimeout,
		Status:    types.DecisionPending,
		CreatedAt: now,
	}
	if c.cfg.DecisionTimeout > 0 {
		req.ExpiresAt = now.Add(c.cfg.DecisionTimeout)
	}
	return req
}

func contextFor(entities nlu.Entities) map[string]any {
	ctx := map[string]any{
		"action": entities.Action,
		"target": entities.Target,
	}
	if entities.Domain != "" {
		ctx["domain"] = entities.Domain
	}
	if entities.Subject != "" {
		ctx["subject"] = entities.Subject
	}
	if len(entities.Integrations) > 0 {
		ctx["integrations"] = entities.Integrations
	}
	return ctx
}

func estimate(steps []types.Step) types.ResourceEstimate {
	var est types.ResourceEstimate
	for _, step := range steps {
		est.EstimatedCostUSD += step.EstimatedCost
		est.EstimatedSeconds += step.EstimatedSeconds
		switch {
		case step.Action == "notify.send", step.Action == "http.call":
			est.APICalls++
		}
	}
	return est
}

// applyDeclaredBudget turns an inline "under $N" constraint into plan
// context so the engine's per-step checks can see it.
func applyDeclaredBudget(plan *types.Plan, entities nlu.Entities) {
	for _, con := range entities.Constraints {
		if con.Type != "budget" {
			continue
		}
		if limit, err := strconv.ParseFloat(con.Value, 64); err == nil {
			plan.Context["declared_budget"] = limit
		}
		return
	}
}
