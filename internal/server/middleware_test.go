// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTemplateRoute(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/compile", "/compile"},
		{"/simulate/plan-123", "/simulate/{plan_id}"},
		{"/execute", "/execute"},
		{"/list", "/list"},
		{"/stats", "/stats"},
		{"/tasks/task-1", "/tasks/{id}"},
		{"/tasks/task-1/pause", "/tasks/{id}/pause"},
		{"/tasks/task-1/approve", "/tasks/{id}/approve"},
		{"/tasks/task-1/events", "/tasks/{id}/events"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
	}
	for _, tc := range cases {
		if got := templateRoute(tc.path); got != tc.want {
			t.Errorf("templateRoute(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestAuthMiddlewareRequiresBearerToken(t *testing.T) {
	cfg := Config{APIToken: "sekrit", StdOut: io.Discard}
	handler := authMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/list", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/list", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid token: status = %d, want 204", rec.Code)
	}

	// Probes stay open.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("healthz: status = %d, want 204", rec.Code)
	}
}

func TestAuthMiddlewareDisabledWithoutToken(t *testing.T) {
	handler := authMiddleware(Config{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}
