// SPDX-License-Identifier: AGPL-3.0-or-later

// Package handlers implements the HTTP control surface: compilation,
// simulation, execution, task lifecycle, approvals, decisions, the audit
// listing, and the SSE progress stream.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/taskd-org/taskd/internal/approval"
	"github.com/taskd-org/taskd/internal/compiler"
	"github.com/taskd-org/taskd/internal/coredb"
	"github.com/taskd-org/taskd/internal/decision"
	"github.com/taskd-org/taskd/internal/engine"
	"github.com/taskd-org/taskd/internal/events"
	"github.com/taskd-org/taskd/internal/nlu"
	"github.com/taskd-org/taskd/internal/server/requestctx"
	"github.com/taskd-org/taskd/internal/server/response"
	"github.com/taskd-org/taskd/internal/server/sse"
	"github.com/taskd-org/taskd/internal/simulate"
	"github.com/taskd-org/taskd/internal/supervisor"
	"github.com/taskd-org/taskd/internal/types"
)

const maxBodyBytes = 1 << 20

// Deps carries the wired components every handler draws from. The router
// builds exactly one of these per process.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Tasks      *coredb.TaskStore
	Plans      *coredb.PlanStore
	Trail      *coredb.Trail
	Extractor  nlu.Extractor
	Compiler   *compiler.Compiler
	Simulator  *simulate.Simulator
	Approvals  *approval.Workflow
	Decisions  *decision.Broker
	Runner     *engine.Runner
	Hub        *sse.Hub
	Emitter    *events.Emitter
	Logger     *slog.Logger
}

func (d Deps) logger(r *http.Request) *slog.Logger {
	if l := requestctx.Logger(r.Context()); l != nil {
		return l
	}
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// actorFrom resolves the requesting human from the X-Actor header captured
// by the middleware; absent that, the caller is recorded as an anonymous
// human rather than the system.
func actorFrom(r *http.Request) types.Actor {
	if id, ok := requestctx.Actor(r.Context()); ok {
		return types.Actor{Kind: types.ActorHuman, ID: id}
	}
	return types.Actor{Kind: types.ActorHuman, ID: "anonymous"}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Write(w, response.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

func validationErr(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

// writeErr maps component errors onto problem responses. Unknown errors are
// reported as 500 without leaking internals.
func writeErr(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var vErr validationError
	switch {
	case errors.As(err, &vErr):
		response.Write(w, response.Validation(vErr.msg))
	case errors.Is(err, coredb.ErrNotFound):
		response.Write(w, response.NotFound(err.Error()))
	case errors.Is(err, supervisor.ErrIllegalTransition),
		errors.Is(err, coredb.ErrAlreadyResolved),
		errors.Is(err, engine.ErrAlreadyRunning):
		response.Write(w, response.Conflict(err.Error()))
	case errors.Is(err, decision.ErrUnknownOption),
		errors.Is(err, types.ErrCyclicDependencies):
		response.Write(w, response.Validation(err.Error()))
	case coredb.IsQuotaExceeded(err):
		logger.Error("storage quota exceeded",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		response.Write(w, response.New(http.StatusInsufficientStorage, "storage quota exceeded",
			response.WithDetail("the engine database reached its size budget")))
	default:
		logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		response.Write(w, response.New(http.StatusInternalServerError, "internal error"))
	}
}
