// SPDX-License-Identifier: AGPL-3.0-or-later
package types

import "time"

// AuditOutcome classifies the result recorded by an audit entry.
type AuditOutcome string

const (
	OutcomeAllowed AuditOutcome = "allowed"
	OutcomeBlocked AuditOutcome = "blocked"
	OutcomeWarning AuditOutcome = "warning"
	OutcomeError   AuditOutcome = "error"
)

// ActorKind distinguishes decisions made by humans from those made by the
// engine itself.
type ActorKind string

const (
	ActorSystem ActorKind = "system"
	ActorHuman  ActorKind = "human"
)

// Actor identifies who caused an audited event. The system actor id
// "system:timeout" marks resolutions applied by timeout defaults.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// Audit event actions recorded by the engine. One constant per mutating
// operation keeps the trail queryable without free-text matching.
const (
	AuditTaskCreated       = "task_created"
	AuditTaskTransition    = "task_transition"
	AuditPlanCompiled      = "plan_compiled"
	AuditPlanRejected      = "plan_rejected"
	AuditConstraintChecked = "constraint_checked"
	AuditSimulationRun     = "simulation_run"
	AuditApprovalRequested = "approval_requested"
	AuditApprovalResolved  = "approval_resolved"
	AuditDecisionRequested = "decision_requested"
	AuditDecisionResolved  = "decision_resolved"
	AuditStepStarted       = "step_started"
	AuditStepFinished      = "step_finished"
	AuditStepRolledBack    = "step_rolled_back"
)

// AuditEntry is one immutable record in the append-only trail. Entries are
// never updated or deleted by the engine.
type AuditEntry struct {
	Seq       int64          `json:"seq"`
	Actor     Actor          `json:"actor"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	PlanID    string         `json:"plan_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Outcome   AuditOutcome   `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
