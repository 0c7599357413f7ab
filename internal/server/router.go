// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server wires the compilation pipeline, the execution engine, and
// the human-in-the-loop workflows behind the HTTP control surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/taskd-org/taskd/internal/approval"
	"github.com/taskd-org/taskd/internal/compiler"
	"github.com/taskd-org/taskd/internal/constraint"
	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/decision"
	"github.com/taskd-org/taskd/internal/dispatch"
	"github.com/taskd-org/taskd/internal/engine"
	"github.com/taskd-org/taskd/internal/events"
	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/paths"
	"github.com/taskd-org/taskd/internal/server/handlers"
	"github.com/taskd-org/taskd/internal/server/metrics"
	"github.com/taskd-org/taskd/internal/server/sse"
	"github.com/taskd-org/taskd/internal/simulate"
	"github.com/taskd-org/taskd/internal/supervisor"
	"github.com/taskd-org/taskd/internal/types"
)

// Run boots the HTTP server until the context is canceled or an
// unrecoverable error occurs.
func Run(ctx context.Context, cfg Config) error {
	if cfg.DataDir != "" {
		paths.SetDataDirOverride(cfg.DataDir)
	}
	norm := cfg.normalize()
	paths.SetDataDirOverride(norm.DataDir)

	db := norm.CoreDB
	if db == nil {
		opened, err := coredb.Open(ctx, norm.CoreDBOptions)
		if err != nil {
			return fmt.Errorf("open core db: %w", err)
		}
		defer opened.Close()
		db = opened
		norm.CoreDB = db
	}

	logger := newLogger(norm)
	if norm.MetricsEnabled {
		version := os.Getenv("TASKD_VERSION")
		if version == "" {
			version = "dev"
		}
		metrics.Default.SetBuildInfo(map[string]string{"version": version})
	}

	var constraints []types.Constraint
	if norm.ConstraintsPath != "" {
		loaded, err := constraint.Load(norm.ConstraintsPath)
		if err != nil {
			return fmt.Errorf("load constraints: %w", err)
		}
		constraints = loaded
	}
	checker := constraint.NewChecker(constraints)

	extractor, err := nlu.New(norm.NLU)
	if err != nil {
		return fmt.Errorf("nlu backend: %w", err)
	}

	deps := buildDeps(norm, db, checker, extractor, logger)
	defer deps.Runner.Shutdown()

	go deps.Approvals.RunSweeper(ctx, norm.SweepInterval)
	go deps.Decisions.RunSweeper(ctx, norm.SweepInterval)

	server := &http.Server{
		Addr:    norm.Bind,
		Handler: buildHandler(norm, deps),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), norm.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildDeps(cfg Config, db *coredb.DB, checker *constraint.Checker, extractor nlu.Extractor, logger *slog.Logger) handlers.Deps {
	taskStore := coredb.NewTaskStore(db)
	planStore := coredb.NewPlanStore(db)
	requestStore := coredb.NewRequestStore(db)
	trail := coredb.NewTrail(db)

	hub := sse.New(sse.Config{})
	sink := events.NewCompositeSink(&events.LogSink{Logger: logger}, hub, metricsSink{enabled: cfg.MetricsEnabled})
	emitter := events.NewEmitter(sink)

	sup := supervisor.New(taskStore, trail, emitter, logger)
	var approvalOpts []approval.Option
	if cfg.ApprovalTimeout > 0 {
		approvalOpts = append(approvalOpts, approval.WithTimeout(cfg.ApprovalTimeout))
	}
	workflow := approval.New(requestStore, trail, emitter, logger, approvalOpts...)
	broker := decision.New(requestStore, planStore, trail, emitter, logger)
	simulator := simulate.New()
	dispatcher := dispatch.New()

	eng := engine.New(engine.Deps{
		Plans:      planStore,
		Tasks:      sup,
		Checker:    checker,
		Simulator:  simulator,
		Dispatcher: dispatcher,
		Approvals:  workflow,
		Decisions:  broker,
		Trail:      trail,
		Emitter:    emitter,
		Logger:     logger,
	})
	runner := engine.NewRunner(eng, cfg.MaxConcurrent, logger)

	deps := handlers.Deps{
		Supervisor: sup,
		Tasks:      taskStore,
		Plans:      planStore,
		Trail:      trail,
		Extractor:  extractor,
		Compiler:   compiler.New(cfg.Compiler, checker),
		Simulator:  simulator,
		Approvals:  workflow,
		Decisions:  broker,
		Runner:     runner,
		Hub:        hub,
		Emitter:    emitter,
		Logger:     logger,
	}
	// Timeout defaults must move tasks the same way human answers do.
	broker.OnResolved(handlers.ClarificationTimeoutHook(deps))
	workflow.OnResolved(handlers.PlanGateTimeoutHook(deps))
	return deps
}

func buildHandler(cfg Config, deps handlers.Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
	})
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Default.Handler())
	}

	mux.Handle("POST /compile", handlers.NewCompileHandler(deps))
	mux.Handle("POST /simulate/{plan_id}", handlers.NewSimulateHandler(deps))
	mux.Handle("POST /execute", handlers.NewExecuteHandler(deps))
	mux.Handle("GET /list", handlers.NewTaskListHandler(deps))
	mux.Handle("GET /stats", handlers.NewTaskStatsHandler(deps))
	mux.Handle("GET /tasks/{id}", handlers.NewTaskGetHandler(deps))
	mux.Handle("POST /tasks/{id}/pause", handlers.NewTaskPauseHandler(deps))
	mux.Handle("POST /tasks/{id}/resume", handlers.NewTaskResumeHandler(deps))
	mux.Handle("POST /tasks/{id}/cancel", handlers.NewTaskCancelHandler(deps))
	mux.Handle("GET /tasks/{id}/approvals", handlers.NewApprovalsHandler(deps))
	mux.Handle("POST /tasks/{id}/approve", handlers.NewApproveHandler(deps))
	mux.Handle("GET /tasks/{id}/decisions", handlers.NewDecisionsHandler(deps))
	mux.Handle("POST /tasks/{id}/decide", handlers.NewDecideHandler(deps))
	mux.Handle("GET /tasks/{id}/audit", handlers.NewAuditHandler(deps))
	mux.Handle("GET /tasks/{id}/events", handlers.NewEventsHandler(deps))
	mux.Handle("GET /events", handlers.NewGlobalEventsHandler(deps))

	return chainMiddleware(mux,
		loggingMiddleware(cfg),
		metricsMiddleware(cfg),
		corsMiddleware(cfg),
		authMiddleware(cfg),
	)
}

// metricsSink feeds lifecycle events into the Prometheus registry.
type metricsSink struct {
	enabled bool
}

func (m metricsSink) Emit(ev events.TaskEvent) {
	if !m.enabled {
		return
	}
	switch ev.Type {
	case events.TypeTransition:
		from, _ := ev.Data["from"].(string)
		metrics.Default.RecordTaskTransition(from, ev.Status)
	case events.TypeApprovalRequested, events.TypeApprovalResolved:
		metrics.Default.RecordApproval(ev.Status)
	case events.TypeDecisionRequested, events.TypeDecisionResolved:
		metrics.Default.RecordDecision(ev.Status)
	}
}
