// SPDX-License-Identifier: AGPL-3.0-or-later
package types

import "time"

// TaskStatus enumerates the lifecycle states a task moves through. Only the
// supervisor writes status; every other component requests transitions.
type TaskStatus string

const (
	TaskDraft           TaskStatus = "draft"
	TaskCompiling       TaskStatus = "compiling"
	TaskPendingApproval TaskStatus = "pending_approval"
	TaskSimulating      TaskStatus = "simulating"
	TaskReady           TaskStatus = "ready"
	TaskRunning         TaskStatus = "running"
	TaskPaused          TaskStatus = "paused"
	TaskWaitingApproval TaskStatus = "waiting_approval"
	TaskWaitingDecision TaskStatus = "waiting_decision"
	TaskBlocked         TaskStatus = "blocked"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskCancelled       TaskStatus = "cancelled"
)

// Valid reports whether s is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskDraft, TaskCompiling, TaskPendingApproval, TaskSimulating,
		TaskReady, TaskRunning, TaskPaused, TaskWaitingApproval,
		TaskWaitingDecision, TaskBlocked, TaskCompleted, TaskFailed,
		TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are legal from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ExecutionMode controls how much autonomy the engine has for a task.
type ExecutionMode string

const (
	ModeAutonomous ExecutionMode = "autonomous"
	ModeSupervised ExecutionMode = "supervised"
	ModeManual     ExecutionMode = "manual"
)

// TaskPriority orders tasks for listing; it has no scheduling semantics in
// the core engine.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is the unit of work. It references its current plan by id; plans are
// versioned and never mutated after approval.
type Task struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Intent      string        `json:"intent"`
	Status      TaskStatus    `json:"status"`
	Mode        ExecutionMode `json:"mode"`
	Priority    TaskPriority  `json:"priority"`
	PlanID      string        `json:"plan_id,omitempty"`
	CurrentStep int           `json:"current_step"`
	TotalSteps  int           `json:"total_steps"`
	Progress    float64       `json:"progress"`
	StepResults []StepResult  `json:"step_results,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// StepStatus enumerates outcomes for one executed step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the execution outcome of a single plan step. It is
// immutable once the status is succeeded, failed, or skipped.
type StepResult struct {
	Ordinal     int            `json:"ordinal"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Rollback    map[string]any `json:"rollback,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Done reports whether the step reached a final state.
func (r StepResult) Done() bool {
	switch r.Status {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}
