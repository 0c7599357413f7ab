// SPDX-License-Identifier: AGPL-3.0-or-later

// Package constraint evaluates declared organizational limits against
// proposed actions. The checker is a pure function over an immutable
// constraint snapshot; callers mirror influential results into the audit
// trail themselves.
package constraint

import (
	"fmt"
	"path"

	"github.com/taskd-org/taskd/internal/types"
)

// Verdict is the rolled-up outcome over all matching constraints.
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictWarning Verdict = "warning"
	VerdictBlocked Verdict = "blocked"
)

// Risk score weights per violated severity, capped at 1.0 overall.
const (
	blockingWeight = 0.5
	warningWeight  = 0.3
	advisoryWeight = 0.1
)

// Context carries the numeric and string facts a constraint expression can
// reference: estimated_cost, api_calls, permissions, and anything the plan
// context contributes.
type Context map[string]any

// Hit records one constraint evaluation that influenced the verdict.
type Hit struct {
	Constraint types.Constraint `json:"constraint"`
	Violated   bool             `json:"violated"`
	Message    string           `json:"message"`
}

// Result is the outcome of checking one action.
type Result struct {
	Verdict    Verdict  `json:"verdict"`
	Hits       []Hit    `json:"hits,omitempty"`
	Blocking   []string `json:"blocking,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
	RiskScore  float64  `json:"risk_score"`
	Reason     string   `json:"reason,omitempty"`
}

// Allowed reports whether execution may proceed without human intervention.
func (r Result) Allowed() bool { return r.Verdict == VerdictAllowed }

// Blocked reports whether any blocking constraint was violated.
func (r Result) Blocked() bool { return r.Verdict == VerdictBlocked }

// Checker evaluates one immutable snapshot of the constraint set. Refreshing
// configuration means building a new Checker, never mutating an existing one.
type Checker struct {
	constraints []types.Constraint
}

// NewChecker builds a checker over the provided snapshot. Disabled
// constraints are dropped up front.
func NewChecker(constraints []types.Constraint) *Checker {
	enabled := make([]types.Constraint, 0, len(constraints))
	for _, c := range constraints {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	return &Checker{constraints: enabled}
}

// Constraints returns the snapshot the checker evaluates.
func (c *Checker) Constraints() []types.Constraint {
	return c.constraints
}

// Check evaluates every enabled constraint whose scope matches the action.
// Blocking violations dominate warnings, warnings dominate advisories. The
// risk score weighs violations 0.5/0.3/0.1 by severity, capped at 1.0.
func (c *Checker) Check(action string, ctx Context) Result {
	result := Result{Verdict: VerdictAllowed}

	for _, con := range c.constraints {
		if !con.Matches(action) {
			continue
		}
		violated, msg := evaluate(con, action, ctx)
		result.Hits = append(result.Hits, Hit{Constraint: con, Violated: violated, Message: msg})
		if !violated {
			continue
		}
		switch con.Severity {
		case types.SeverityBlocking:
			result.Blocking = append(result.Blocking, con.Name)
			if result.Reason == "" {
				result.Reason = msg
			}
		case types.SeverityWarning:
			result.Warnings = append(result.Warnings, con.Name)
		default:
			result.Advisories = append(result.Advisories, con.Name)
		}
	}

	switch {
	case len(result.Blocking) > 0:
		result.Verdict = VerdictBlocked
	case len(result.Warnings) > 0:
		result.Verdict = VerdictWarning
		if result.Reason == "" {
			result.Reason = fmt.Sprintf("constraint %q violated", result.Warnings[0])
		}
	}

	score := float64(len(result.Blocking))*blockingWeight +
		float64(len(result.Warnings))*warningWeight +
		float64(len(result.Advisories))*advisoryWeight
	if score > 1.0 {
		score = 1.0
	}
	result.RiskScore = score
	return result
}

// evaluate applies one constraint's rule to the action and context. Budget
// and rate_limit compare a numeric context value against the threshold;
// permission requires the expression to appear in the granted permission
// list; policy and compliance deny actions matching the expression pattern;
// technical compares an arbitrary numeric context key named by the
// expression.
func evaluate(con types.Constraint, action string, ctx Context) (bool, string) {
	switch con.Type {
	case types.ConstraintBudget:
		cost := numeric(ctx, "estimated_cost")
		if con.Threshold > 0 && cost > con.Threshold {
			return true, fmt.Sprintf("estimated cost %.2f exceeds budget limit %.2f", cost, con.Threshold)
		}
	case types.ConstraintRateLimit:
		calls := numeric(ctx, "api_calls")
		if con.Threshold > 0 && calls > con.Threshold {
			return true, fmt.Sprintf("%.0f API calls exceed rate limit %.0f", calls, con.Threshold)
		}
	case types.ConstraintPermission:
		if con.Expression == "" {
			return false, ""
		}
		if !hasPermission(ctx, con.Expression) {
			return true, fmt.Sprintf("missing permission %q for action %q", con.Expression, action)
		}
	case types.ConstraintPolicy, types.ConstraintCompliance:
		if matched, _ := path.Match(con.Expression, action); matched || con.Expression == action {
			return true, fmt.Sprintf("action %q denied by %s %q", action, con.Type, con.Name)
		}
	case types.ConstraintTechnical:
		if con.Expression == "" {
			return false, ""
		}
		value := numeric(ctx, con.Expression)
		if con.Threshold > 0 && value > con.Threshold {
			return true, fmt.Sprintf("%s=%.2f exceeds limit %.2f", con.Expression, value, con.Threshold)
		}
	}
	return false, ""
}

func numeric(ctx Context, key string) float64 {
	switch v := ctx[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func hasPermission(ctx Context, perm string) bool {
	switch v := ctx["permissions"].(type) {
	case []string:
		for _, p := range v {
			if p == perm {
				return true
			}
		}
	case []any:
		for _, p := range v {
			if s, ok := p.(string); ok && s == perm {
				return true
			}
		}
	}
	return false
}
