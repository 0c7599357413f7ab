// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch routes step actions to tool implementations and applies
// the retry policy at the external-call boundary.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
)

// Result is a successful tool invocation. Rollback, when non-nil, holds
// enough state to issue a compensating action later.
type Result struct {
	Output   map[string]any
	Rollback map[string]any
}

// Tool executes operations for one action family. Implementations surface
// failures as *CallError so the dispatcher can classify them.
type Tool interface {
	Invoke(ctx context.Context, operation string, params map[string]any) (Result, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, operation string, params map[string]any) (Result, error)

// Invoke implements Tool.
func (f ToolFunc) Invoke(ctx context.Context, operation string, params map[string]any) (Result, error) {
	return f(ctx, operation, params)
}

// Dispatcher owns the tool registry and retry policy. Actions are
// "family.operation"; the family selects the tool.
type Dispatcher struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	maxAttempts int
	backoff     time.Duration
	sleepFn     func(ctx context.Context, d time.Duration) error
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithMaxAttempts overrides the attempt bound.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff overrides the initial backoff; it doubles each retry.
func WithBackoff(initial time.Duration) Option {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.backoff = initial
		}
	}
}

// New returns a dispatcher preloaded with the built-in tools.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:       make(map[string]Tool),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		sleepFn:     sleepCtx,
	}
	registerBuiltins(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs a tool for an action family, replacing any existing one.
func (d *Dispatcher) Register(family string, tool Tool) {
	if tool == nil {
		return
	}
	d.mu.Lock()
	d.tools[family] = tool
	d.mu.Unlock()
}

// Dispatch invokes the tool behind the action, retrying transient failures
// up to the attempt bound with doubling backoff. Fatal failures and
// exhausted retries return the final *CallError.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, params map[string]any) (Result, error) {
	family, operation, ok := splitAction(action)
	if !ok {
		return Result{}, &CallError{
			Tool: action, Kind: KindInvalid,
			Err: fmt.Errorf("action %q is not family.operation", action),
		}
	}
	d.mu.RLock()
	tool, found := d.tools[family]
	d.mu.RUnlock()
	if !found {
		return Result{}, &CallError{
			Tool: family, Operation: operation, Kind: KindInvalid,
			Err: fmt.Errorf("%w: %s", ErrUnknownTool, family),
		}
	}

	backoff := d.backoff
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		result, err := tool.Invoke(ctx, operation, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == d.maxAttempts {
			break
		}
		if sleepErr := d.sleepFn(ctx, backoff); sleepErr != nil {
			return Result{}, sleepErr
		}
		backoff *= 2
	}
	return Result{}, lastErr
}

func splitAction(action string) (family, operation string, ok bool) {
	i := strings.IndexByte(action, '.')
	if i <= 0 || i == len(action)-1 {
		return "", "", false
	}
	return action[:i], action[i+1:], true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
