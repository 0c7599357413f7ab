// SPDX-License-Identifier: AGPL-3.0-or-later
package types

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// PlanStatus tracks a plan from compilation through execution.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// RiskLevel grades the worst plausible outcome of a step. Ordering matters:
// higher levels require stricter gating.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (r RiskLevel) String() string {
	if s, ok := riskNames[r]; ok {
		return s
	}
	return "low"
}

// ParseRiskLevel maps a textual level to its RiskLevel; unknown strings
// default to low, matching how absent metadata is treated elsewhere.
func ParseRiskLevel(s string) RiskLevel {
	for level, name := range riskNames {
		if name == s {
			return level
		}
	}
	return RiskLow
}

// MarshalText implements encoding.TextMarshaler so risk levels serialize as
// their names in JSON payloads.
func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	*r = ParseRiskLevel(string(b))
	return nil
}

// Step is one unit inside a plan. DependsOn lists ordinals that must finish
// before this step starts; the graph over a plan's steps is acyclic.
type Step struct {
	Ordinal          int            `json:"ordinal"`
	Name             string         `json:"name"`
	Action           string         `json:"action"`
	Params           map[string]any `json:"params,omitempty"`
	Risk             RiskLevel      `json:"risk"`
	DependsOn        []int          `json:"depends_on,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	Critical         bool           `json:"critical"`
	Reversible       bool           `json:"reversible"`
	EstimatedCost    float64        `json:"estimated_cost"`
	EstimatedSeconds int            `json:"estimated_seconds"`
}

// ResourceEstimate aggregates predicted resource needs over a whole plan.
type ResourceEstimate struct {
	APICalls         int     `json:"api_calls"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	EstimatedSeconds int     `json:"estimated_seconds"`
}

// Plan is the compiled output for one intent. Once approved it is immutable;
// replanning produces a new plan with a fresh id.
type Plan struct {
	ID         string            `json:"id"`
	Intent     string            `json:"intent"`
	IntentType string            `json:"intent_type"`
	Confidence float64           `json:"confidence"`
	Status     PlanStatus        `json:"status"`
	Steps      []Step            `json:"steps"`
	Context    map[string]any    `json:"context,omitempty"`
	Script     string            `json:"script,omitempty"`
	Estimate   ResourceEstimate  `json:"estimate"`
	Simulation *SimulationResult `json:"simulation,omitempty"`
	ApprovedBy string            `json:"approved_by,omitempty"`
	ApprovedAt *time.Time        `json:"approved_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// StepByOrdinal returns the step with the given ordinal, or nil.
func (p *Plan) StepByOrdinal(ordinal int) *Step {
	for i := range p.Steps {
		if p.Steps[i].Ordinal == ordinal {
			return &p.Steps[i]
		}
	}
	return nil
}

// ErrCyclicDependencies indicates the steps' dependency graph has a cycle.
// Cyclic plans are rejected at compile time and never reach execution.
var ErrCyclicDependencies = errors.New("plan: cyclic step dependencies")

// ExecutionOrder returns step ordinals in dependency order. Among steps
// whose dependencies are satisfied, the lowest ordinal runs first, which
// makes the order total and deterministic. Unknown dependency ordinals and
// cycles are errors.
func (p *Plan) ExecutionOrder() ([]int, error) {
	indegree := make(map[int]int, len(p.Steps))
	dependents := make(map[int][]int, len(p.Steps))
	for _, step := range p.Steps {
		if _, dup := indegree[step.Ordinal]; dup {
			return nil, fmt.Errorf("plan: duplicate step ordinal %d", step.Ordinal)
		}
		indegree[step.Ordinal] = 0
	}
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := indegree[dep]; !ok {
				return nil, fmt.Errorf("plan: step %d depends on unknown ordinal %d", step.Ordinal, dep)
			}
			indegree[step.Ordinal]++
			dependents[dep] = append(dependents[dep], step.Ordinal)
		}
	}

	var ready []int
	for ordinal, deg := range indegree {
		if deg == 0 {
			ready = append(ready, ordinal)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, len(p.Steps))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		changed := false
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
				changed = true
			}
		}
		if changed {
			sort.Ints(ready)
		}
	}
	if len(order) != len(p.Steps) {
		return nil, ErrCyclicDependencies
	}
	return order, nil
}

// SimulationResult is the dry-run prediction for a plan or a single step.
// The simulator never performs the real action.
type SimulationResult struct {
	ID           string        `json:"id"`
	Success      bool          `json:"success"`
	Confidence   float64       `json:"confidence"`
	Steps        []StepOutcome `json:"steps,omitempty"`
	Impact       Impact        `json:"impact"`
	SideEffects  []string      `json:"side_effects,omitempty"`
	SimulatedAt  time.Time     `json:"simulated_at"`
	DurationMs   int64         `json:"duration_ms"`
	ManualReview bool          `json:"manual_review_recommended"`
}

// StepOutcome is the per-step portion of a simulation.
type StepOutcome struct {
	Ordinal            int      `json:"ordinal"`
	Name               string   `json:"name"`
	WouldSucceed       bool     `json:"would_succeed"`
	SuccessProbability float64  `json:"success_probability"`
	FailureModes       []string `json:"failure_modes,omitempty"`
	EstimatedSeconds   int      `json:"estimated_seconds"`
}

// Impact summarizes the predicted blast radius of executing a plan.
type Impact struct {
	RiskScore        float64   `json:"risk_score"`
	RiskLevel        RiskLevel `json:"risk_level"`
	RecordsCreated   int       `json:"records_created"`
	RecordsModified  int       `json:"records_modified"`
	RecordsDeleted   int       `json:"records_deleted"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	EstimatedSeconds int       `json:"estimated_seconds"`
	Credentials      []string  `json:"credentials_accessed,omitempty"`
	ExternalSystems  []string  `json:"external_systems,omitempty"`
	Reversible       bool      `json:"reversible"`
}
