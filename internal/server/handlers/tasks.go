// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"net/http"
	"strconv"

	"github.com/taskd-org/taskd/internal/types"
)

const defaultListLimit = 100

// NewTaskListHandler serves GET /list?status=&limit=.
func NewTaskListHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := types.TaskStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			writeErr(w, r, d.logger(r), validationErr("unknown status %q", status))
			return
		}
		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeErr(w, r, d.logger(r), validationErr("invalid limit %q", raw))
				return
			}
			limit = parsed
		}
		tasks, err := d.Supervisor.List(r.Context(), status, limit)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks": tasks,
			"count": len(tasks),
		})
	}
}

// TaskStats aggregates counters for GET /stats.
type TaskStats struct {
	Total             int                      `json:"total"`
	ByStatus          map[types.TaskStatus]int `json:"by_status"`
	Completed         int                      `json:"completed"`
	AvgRuntimeSeconds float64                  `json:"avg_runtime_seconds"`
	RecentActivity    []types.AuditEntry       `json:"recent_activity,omitempty"`
}

const recentActivityLimit = 20

// NewTaskStatsHandler serves GET /stats: counts by status, the average
// runtime of recently completed tasks, and the newest audit activity.
func NewTaskStatsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		counts, err := d.Tasks.CountByStatus(ctx)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		stats := TaskStats{ByStatus: counts}
		for _, n := range counts {
			stats.Total += n
		}
		stats.Completed = counts[types.TaskCompleted]

		completed, err := d.Tasks.List(ctx, types.TaskCompleted, defaultListLimit)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		var sum float64
		var measured int
		for _, task := range completed {
			if task.StartedAt == nil || task.CompletedAt == nil {
				continue
			}
			sum += task.CompletedAt.Sub(*task.StartedAt).Seconds()
			measured++
		}
		if measured > 0 {
			stats.AvgRuntimeSeconds = sum / float64(measured)
		}

		recent, err := d.Trail.Recent(ctx, recentActivityLimit)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		stats.RecentActivity = recent
		writeJSON(w, http.StatusOK, stats)
	}
}

// NewTaskGetHandler serves GET /tasks/{id} with step results inline.
func NewTaskGetHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := d.Supervisor.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// NewTaskPauseHandler serves POST /tasks/{id}/pause. Pausing takes effect
// between steps; an in-flight dispatch finishes first.
func NewTaskPauseHandler(d Deps) http.HandlerFunc {
	return transitionHandler(d, types.TaskPaused, "paused by operator")
}

// NewTaskResumeHandler serves POST /tasks/{id}/resume. The task re-enters
// running; if no engine loop is attached the runner picks it back up.
func NewTaskResumeHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")
		task, err := d.Supervisor.Transition(ctx, id, types.TaskRunning, actorFrom(r), "resumed by operator")
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		if !d.Runner.Running(id) {
			if err := d.Runner.Start(id); err != nil {
				writeErr(w, r, d.logger(r), err)
				return
			}
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// NewTaskCancelHandler serves POST /tasks/{id}/cancel.
func NewTaskCancelHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := d.Supervisor.Cancel(r.Context(), r.PathValue("id"), actorFrom(r))
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func transitionHandler(d Deps, to types.TaskStatus, reason string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := d.Supervisor.Transition(r.Context(), r.PathValue("id"), to, actorFrom(r), reason)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}
