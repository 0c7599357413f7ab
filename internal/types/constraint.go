// SPDX-License-Identifier: AGPL-3.0-or-later
package types

// ConstraintType classifies a declared organizational limit.
type ConstraintType string

const (
	ConstraintBudget     ConstraintType = "budget"
	ConstraintPermission ConstraintType = "permission"
	ConstraintPolicy     ConstraintType = "policy"
	ConstraintCompliance ConstraintType = "compliance"
	ConstraintTechnical  ConstraintType = "technical"
	ConstraintRateLimit  ConstraintType = "rate_limit"
)

// Severity decides whether a violated constraint blocks execution, warns, or
// merely contributes an advisory note to the risk score.
type Severity string

const (
	SeverityAdvisory Severity = "advisory"
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

// Constraint is one declared limit. AppliesTo scopes it to action types; an
// empty scope matches every action. Threshold semantics depend on Type:
// budget and rate_limit compare numerically, permission and policy match
// Expression against the action or a context key.
type Constraint struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Type       ConstraintType `json:"type" yaml:"type"`
	Expression string         `json:"expression,omitempty" yaml:"expression,omitempty"`
	Threshold  float64        `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Severity   Severity       `json:"severity" yaml:"severity"`
	AppliesTo  []string       `json:"applies_to,omitempty" yaml:"applies_to,omitempty"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
}

// Matches reports whether the constraint's scope covers the action type.
func (c Constraint) Matches(action string) bool {
	if len(c.AppliesTo) == 0 {
		return true
	}
	for _, a := range c.AppliesTo {
		if a == action {
			return true
		}
	}
	return false
}
