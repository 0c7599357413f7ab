package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskd-org/taskd/internal/coredb"
)

func TestWriteErrMapsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", validationErr("intent must not be empty"), http.StatusUnprocessableEntity},
		{"not found", fmt.Errorf("task x: %w", coredb.ErrNotFound), http.StatusNotFound},
		{"already resolved", fmt.Errorf("approval y: %w", coredb.ErrAlreadyResolved), http.StatusConflict},
		{"quota exceeded", fmt.Errorf("audit append: database or disk is full"), http.StatusInsufficientStorage},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/compile", nil)
			writeErr(rec, req, logger, tc.err)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if ct := rec.Header().Get("Content-Type"); ct == "" {
				t.Fatal("problem response missing content type")
			}
		})
	}
}
