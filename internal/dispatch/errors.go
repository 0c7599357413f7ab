// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"errors"
	"fmt"
)

// ErrUnknownTool indicates no tool is registered for the action's family.
var ErrUnknownTool = errors.New("dispatch: unknown tool")

// ErrorKind classifies a call failure for retry decisions.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindAuth    ErrorKind = "auth"
	KindRemote  ErrorKind = "remote"
	KindInvalid ErrorKind = "invalid"
)

// Retryable statuses mirror common transient upstream failures.
var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// CallError is a structured failure from a tool invocation. Status is the
// upstream HTTP-like status when the failure is remote, zero otherwise.
type CallError struct {
	Tool      string
	Operation string
	Kind      ErrorKind
	Status    int
	Err       error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch %s.%s: %s (status %d): %v", e.Tool, e.Operation, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("dispatch %s.%s: %s: %v", e.Tool, e.Operation, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Timeouts and the
// retryable remote statuses qualify; auth failures and other 4xx never do.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindRemote:
		return retryableStatuses[e.Status]
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient call failure.
func IsRetryable(err error) bool {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Retryable()
	}
	return false
}
