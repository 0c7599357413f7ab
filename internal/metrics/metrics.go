// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics is the thin facade engine-side packages use to record
// domain counters without importing the server registry directly.
package metrics

import (
	servermetrics "github.com/taskd-org/taskd/internal/server/metrics"
)

// Constraint check verdicts recorded in metrics.
const (
	VerdictAllowed = "allowed"
	VerdictWarning = "warning"
	VerdictBlocked = "blocked"
)

// Dispatch outcomes recorded in metrics.
const (
	DispatchOK    = "ok"
	DispatchError = "error"
)

// ConstraintChecked records one constraint evaluation verdict.
func ConstraintChecked(verdict string) {
	servermetrics.Default.RecordConstraintCheck(verdict)
}

// Dispatched records one tool call by action family and outcome.
func Dispatched(family, outcome string) {
	servermetrics.Default.RecordDispatch(family, outcome)
}

// AuditAppended records one append to the audit trail.
func AuditAppended() {
	servermetrics.Default.RecordAuditAppend()
}

// SSEStreamStarted increments the active stream gauge and returns a function
// to decrement it.
func SSEStreamStarted() func() {
	servermetrics.Default.RecordSSEActiveDelta(1)
	return func() {
		servermetrics.Default.RecordSSEActiveDelta(-1)
	}
}

// SSEResumeAttempt records one Last-Event-ID resume attempt.
func SSEResumeAttempt() {
	servermetrics.Default.RecordSSEResumeAttempt()
}
