// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned when a task's engine run is still in flight.
var ErrAlreadyRunning = errors.New("engine: task already running")

const defaultMaxConcurrent = 8

// Runner fans task runs out onto a bounded pool. One task never has two
// concurrent runs; distinct tasks execute in parallel up to the limit.
type Runner struct {
	engine *Engine
	logger *slog.Logger

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRunner builds a runner around the engine. maxConcurrent <= 0 selects
// the default limit.
func NewRunner(engine *Engine, maxConcurrent int, logger *slog.Logger) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrent)
	return &Runner{
		engine:   engine,
		logger:   logger,
		group:    group,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
	}
}

// Start schedules a run for the task. It returns immediately; the run
// proceeds on the pool. Starting a task whose previous run has not finished
// fails with ErrAlreadyRunning.
func (r *Runner) Start(taskID string) error {
	r.mu.Lock()
	if _, busy := r.inFlight[taskID]; busy {
		r.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrAlreadyRunning)
	}
	r.inFlight[taskID] = struct{}{}
	r.mu.Unlock()

	r.group.Go(func() error {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, taskID)
			r.mu.Unlock()
		}()
		if err := r.engine.Run(r.ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("task run failed",
				slog.String("task", taskID),
				slog.String("error", err.Error()))
		}
		// Run errors are recorded on the task itself; never tear down
		// the pool for one task.
		return nil
	})
	return nil
}

// Running reports whether the task has an in-flight run.
func (r *Runner) Running(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inFlight[taskID]
	return busy
}

// Shutdown cancels in-flight runs and waits for them to settle.
func (r *Runner) Shutdown() {
	r.cancel()
	_ = r.group.Wait()
}
