// SPDX-License-Identifier: AGPL-3.0-or-later

// Package supervisor owns the task lifecycle. It is the single writer of
// task status: every other component requests transitions through it, which
// is what keeps concurrent step execution and approval resolution from
// producing lost updates.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/events"
	"github.com/taskd-org/taskd/internal/types"
)

// ErrIllegalTransition indicates the requested status change is not a legal
// edge of the lifecycle state machine.
var ErrIllegalTransition = errors.New("supervisor: illegal transition")

// Supervisor serializes all writes to a task document. Locks are per task;
// different tasks transition fully in parallel.
type Supervisor struct {
	tasks   *coredb.TaskStore
	trail   *coredb.Trail
	emitter *events.Emitter
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	nowFn func() time.Time
	idFn  func() string
}

// New constructs a supervisor over the task store and audit trail.
func New(tasks *coredb.TaskStore, trail *coredb.Trail, emitter *events.Emitter, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		tasks:   tasks,
		trail:   trail,
		emitter: emitter,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		nowFn:   func() time.Time { return time.Now().UTC() },
		idFn:    uuid.NewString,
	}
}

func (s *Supervisor) lockFor(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[taskID] = lock
	}
	return lock
}

// Create registers a new draft task and audits its creation.
func (s *Supervisor) Create(ctx context.Context, title, intent string, mode types.ExecutionMode, priority types.TaskPriority) (*types.Task, error) {
	if mode == "" {
		mode = types.ModeSupervised
	}
	if priority == "" {
		priority = types.PriorityNormal
	}
	task := &types.Task{
		ID:        s.idFn(),
		Title:     title,
		Intent:    intent,
		Status:    types.TaskDraft,
		Mode:      mode,
		Priority:  priority,
		CreatedAt: s.nowFn(),
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	if _, err := s.trail.Append(ctx, types.AuditEntry{
		Actor:   types.Actor{Kind: types.ActorSystem, ID: "taskd"},
		Action:  types.AuditTaskCreated,
		TaskID:  task.ID,
		Outcome: types.OutcomeAllowed,
		Details: map[string]any{"mode": string(mode), "priority": string(priority)},
	}); err != nil {
		return nil, err
	}
	return task, nil
}

// Get loads a task.
func (s *Supervisor) Get(ctx context.Context, id string) (*types.Task, error) {
	return s.tasks.Get(ctx, id)
}

// List returns tasks, optionally filtered by status.
func (s *Supervisor) List(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	return s.tasks.List(ctx, status, limit)
}

// Transition moves a task to a new status after validating the edge. It
// stamps StartedAt on the first move to running and CompletedAt on terminal
// states, audits the change, and emits a transition event. The actor is
// whoever requested the change; system components pass a system actor.
func (s *Supervisor) Transition(ctx context.Context, taskID string, to types.TaskStatus, actor types.Actor, reason string) (*types.Task, error) {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	from := task.Status
	if from == to {
		return task, nil
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}

	now := s.nowFn()
	task.Status = to
	if to == types.TaskRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if to.Terminal() {
		task.CompletedAt = &now
	}
	if reason != "" && (to == types.TaskFailed || to == types.TaskBlocked) {
		task.LastError = reason
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}

	details := map[string]any{"from": string(from), "to": string(to)}
	if reason != "" {
		details["reason"] = reason
	}
	outcome := types.OutcomeAllowed
	if to == types.TaskBlocked {
		outcome = types.OutcomeBlocked
	}
	if to == types.TaskFailed {
		outcome = types.OutcomeError
	}
	if _, err := s.trail.Append(ctx, types.AuditEntry{
		Actor:   actor,
		Action:  types.AuditTaskTransition,
		TaskID:  taskID,
		PlanID:  task.PlanID,
		Outcome: outcome,
		Details: details,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("task transition",
		slog.String("task_id", taskID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	s.emitter.EmitTransition(taskID, string(from), string(to))
	return task, nil
}

// Checkpoint applies a mutation to the task document under the task's lock
// without changing status. The engine uses it to persist step results and
// progress at every suspension point. Progress must not decrease while the
// task is running.
func (s *Supervisor) Checkpoint(ctx context.Context, taskID string, mutate func(*types.Task) error) (*types.Task, error) {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	before := task.Progress
	status := task.Status
	if err := mutate(task); err != nil {
		return nil, err
	}
	if task.Status != status {
		return nil, fmt.Errorf("checkpoint must not change status: %w", ErrIllegalTransition)
	}
	if task.Status == types.TaskRunning && task.Progress < before {
		return nil, fmt.Errorf("supervisor: progress moved backwards (%.2f -> %.2f)", before, task.Progress)
	}
	if task.CurrentStep > task.TotalSteps {
		return nil, fmt.Errorf("supervisor: current step %d exceeds total %d", task.CurrentStep, task.TotalSteps)
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel moves the task to cancelled from any non-terminal state. In-flight
// external calls are allowed to finish; the engine observes the status and
// starts no further steps.
func (s *Supervisor) Cancel(ctx context.Context, taskID string, actor types.Actor) (*types.Task, error) {
	return s.Transition(ctx, taskID, types.TaskCancelled, actor, "cancelled by request")
}
