// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events fans task lifecycle events out to interested sinks: the
// structured log, the SSE hub, and the metrics registry.
package events

import (
	"log/slog"
	"time"
)

const (
	TypeTransition        = "task.transition"
	TypeProgress          = "task.progress"
	TypeStepStart         = "step.start"
	TypeStepFinish        = "step.finish"
	TypePlanCompiled      = "plan.compiled"
	TypeSimulationDone    = "simulation.finished"
	TypeApprovalRequested = "approval.requested"
	TypeApprovalResolved  = "approval.resolved"
	TypeDecisionRequested = "decision.requested"
	TypeDecisionResolved  = "decision.resolved"
)

// TaskEvent is one observable moment in a task's life.
type TaskEvent struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id"`
	Step      int            `json:"step,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink consumes task events. Implementations must not block.
type Sink interface {
	Emit(TaskEvent)
}

// CompositeSink forwards events to every non-nil sink.
type CompositeSink struct {
	sinks []Sink
}

// NewCompositeSink returns a sink fanning out to all provided sinks.
func NewCompositeSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		return &CompositeSink{sinks: filtered}
	}
}

// Emit implements Sink.
func (c *CompositeSink) Emit(ev TaskEvent) {
	for _, s := range c.sinks {
		s.Emit(ev)
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (l *LogSink) Emit(ev TaskEvent) {
	if l == nil || l.Logger == nil {
		return
	}
	attrs := []any{
		slog.String("task_id", ev.TaskID),
		slog.String("type", ev.Type),
	}
	if ev.Step > 0 {
		attrs = append(attrs, slog.Int("step", ev.Step))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", ev.Status))
	}
	if ev.Message != "" {
		attrs = append(attrs, slog.String("message", ev.Message))
	}
	l.Logger.Info("task event", attrs...)
}

// Emitter stamps and forwards task events. A nil emitter drops everything,
// so callers never need to guard.
type Emitter struct {
	sink  Sink
	nowFn func() time.Time
}

// NewEmitter wraps the sink; a nil sink yields a nil emitter.
func NewEmitter(sink Sink) *Emitter {
	if sink == nil {
		return nil
	}
	return &Emitter{sink: sink, nowFn: func() time.Time { return time.Now().UTC() }}
}

func (e *Emitter) emit(ev TaskEvent) {
	if e == nil || e.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.nowFn()
	}
	e.sink.Emit(ev)
}

// EmitTransition reports a task status change.
func (e *Emitter) EmitTransition(taskID, from, to string) {
	e.emit(TaskEvent{
		Type: TypeTransition, TaskID: taskID, Status: to,
		Data: map[string]any{"from": from, "to": to},
	})
}

// EmitProgress reports the task's progress ratio after a step completes.
func (e *Emitter) EmitProgress(taskID string, step int, progress float64) {
	e.emit(TaskEvent{
		Type: TypeProgress, TaskID: taskID, Step: step,
		Data: map[string]any{"progress": progress},
	})
}

// EmitStepStart reports that a step began executing.
func (e *Emitter) EmitStepStart(taskID string, step int, name string) {
	e.emit(TaskEvent{Type: TypeStepStart, TaskID: taskID, Step: step, Message: name})
}

// EmitStepFinish reports a step's terminal status.
func (e *Emitter) EmitStepFinish(taskID string, step int, status string, err error) {
	ev := TaskEvent{Type: TypeStepFinish, TaskID: taskID, Step: step, Status: status}
	if err != nil {
		ev.Message = err.Error()
	}
	e.emit(ev)
}

// EmitPlanCompiled reports a successful compilation.
func (e *Emitter) EmitPlanCompiled(taskID, planID string, steps int) {
	e.emit(TaskEvent{
		Type: TypePlanCompiled, TaskID: taskID,
		Data: map[string]any{"plan_id": planID, "steps": steps},
	})
}

// EmitSimulation reports a finished plan simulation.
func (e *Emitter) EmitSimulation(taskID, planID string, success bool) {
	e.emit(TaskEvent{
		Type: TypeSimulationDone, TaskID: taskID,
		Data: map[string]any{"plan_id": planID, "success": success},
	})
}

// EmitApproval reports approval request creation or resolution.
func (e *Emitter) EmitApproval(taskID, requestID, status string, requested bool) {
	typ := TypeApprovalResolved
	if requested {
		typ = TypeApprovalRequested
	}
	e.emit(TaskEvent{
		Type: typ, TaskID: taskID, Status: status,
		Data: map[string]any{"request_id": requestID},
	})
}

// EmitDecision reports decision request creation or resolution.
func (e *Emitter) EmitDecision(taskID, requestID, status string, requested bool) {
	typ := TypeDecisionResolved
	if requested {
		typ = TypeDecisionRequested
	}
	e.emit(TaskEvent{
		Type: typ, TaskID: taskID, Status: status,
		Data: map[string]any{"request_id": requestID},
	})
}
