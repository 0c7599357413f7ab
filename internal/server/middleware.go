// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/taskd-org/taskd/internal/server/metrics"
	"github.com/taskd-org/taskd/internal/server/requestctx"
	"github.com/taskd-org/taskd/internal/server/response"
)

// Middleware defines a HTTP middleware component.
type Middleware func(http.Handler) http.Handler

// chainMiddleware applies the supplied middlewares in order to the provided
// handler.
func chainMiddleware(h http.Handler, chain ...Middleware) http.Handler {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i] == nil {
			continue
		}
		h = chain[i](h)
	}
	return h
}

// loggingMiddleware records request metadata using slog.
func loggingMiddleware(cfg Config) Middleware {
	logger := newLogger(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			reqLogger := logger.With(
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			meta := &requestctx.Metadata{}
			ctx := requestctx.WithMetadata(r.Context(), meta)
			ctx = requestctx.WithLogger(ctx, reqLogger)
			if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
				ctx = requestctx.WithActor(ctx, actor)
			}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			route, _ := requestctx.Route(ctx)
			attrs := []any{
				slog.Int("status", recorder.status),
				slog.Duration("duration", time.Since(start)),
			}
			if route != "" {
				attrs = append(attrs, slog.String("route", route))
			}
			reqLogger.Info("request", attrs...)
		})
	}
}

// corsMiddleware allows localhost origins in dev mode only.
func corsMiddleware(cfg Config) Middleware {
	if !cfg.Dev {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Actor")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware enforces the static bearer token when one is configured.
// /healthz stays open for probes.
func authMiddleware(cfg Config) Middleware {
	if cfg.APIToken == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(cfg.APIToken)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer realm=\"taskd\"")
				response.Write(w, response.New(http.StatusUnauthorized, "unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(cfg Config) Middleware {
	if !cfg.MetricsEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := templateRoute(r.URL.Path)
			ctx := requestctx.WithRoute(r.Context(), route)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r.WithContext(ctx))
			metrics.Default.RecordHTTP(route, r.Method, recorder.status, time.Since(start))
		})
	}
}

func templateRoute(path string) string {
	switch {
	case path == "":
		return "/"
	case path == "/metrics", path == "/healthz", path == "/compile",
		path == "/execute", path == "/list", path == "/stats":
		return path
	case strings.HasPrefix(path, "/simulate/"):
		return "/simulate/{plan_id}"
	case strings.HasPrefix(path, "/plans/"):
		return "/plans/{id}"
	case strings.HasPrefix(path, "/tasks/"):
		rest := strings.TrimPrefix(path, "/tasks/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/tasks/{id}/" + rest[i+1:]
		}
		return "/tasks/{id}"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush passes SSE writes through to the wrapped writer.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func newLogger(cfg Config) *slog.Logger {
	var handler slog.Handler
	switch strings.ToLower(cfg.Log) {
	case "json":
		handler = slog.NewJSONHandler(cfg.StdOut, nil)
	default:
		handler = slog.NewTextHandler(cfg.StdOut, nil)
	}
	return slog.New(handler)
}
