// SPDX-License-Identifier: AGPL-3.0-or-later
package types

import "time"

// ApprovalStatus tracks a human sign-off request. Terminal states are
// approved, rejected, and expired.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalSkipped  ApprovalStatus = "skipped"
)

// DefaultAction is applied when an approval request passes its deadline
// without a human decision.
type DefaultAction string

const (
	DefaultPause   DefaultAction = "pause"
	DefaultReject  DefaultAction = "reject"
	DefaultApprove DefaultAction = "approve"
)

// ApprovalRequest gates a step (or a whole plan, StepOrdinal < 0) on a human
// decision. Requests with a level chain advance one level per approval;
// rejection at any level is terminal.
type ApprovalRequest struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	PlanID        string         `json:"plan_id"`
	StepOrdinal   int            `json:"step_ordinal"`
	Description   string         `json:"description"`
	Risk          RiskLevel      `json:"risk"`
	Status        ApprovalStatus `json:"status"`
	Timeout       time.Duration  `json:"timeout"`
	DefaultAction DefaultAction  `json:"default_action"`
	CurrentLevel  int            `json:"current_level"`
	TotalLevels   int            `json:"total_levels"`
	Approvers     []string       `json:"approvers,omitempty"`
	Predicted     *StepOutcome   `json:"predicted,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	Comments      string         `json:"comments,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// PlanLevel reports whether the request gates the whole plan rather than one
// step.
func (a ApprovalRequest) PlanLevel() bool { return a.StepOrdinal < 0 }

// DecisionStatus tracks an ambiguous-intent or runtime-branch question.
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionAnswered  DecisionStatus = "answered"
	DecisionTimeout   DecisionStatus = "timeout"
	DecisionCancelled DecisionStatus = "cancelled"
)

// DecisionOption is one selectable branch with its trade-off summary.
type DecisionOption struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	TradeOff string `json:"trade_off,omitempty"`
}

// DecisionRequest asks a human to choose among enumerated options. Without a
// default option the owning task waits indefinitely.
type DecisionRequest struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"task_id"`
	PlanID    string           `json:"plan_id,omitempty"`
	Question  string           `json:"question"`
	Options   []DecisionOption `json:"options"`
	DefaultID string           `json:"default_option,omitempty"`
	Timeout   time.Duration    `json:"timeout"`
	Status    DecisionStatus   `json:"status"`
	ChosenID  string           `json:"chosen_option,omitempty"`
	DecidedBy string           `json:"decided_by,omitempty"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Option returns the option with the given id, or nil.
func (d *DecisionRequest) Option(id string) *DecisionOption {
	for i := range d.Options {
		if d.Options[i].ID == id {
			return &d.Options[i]
		}
	}
	return nil
}
