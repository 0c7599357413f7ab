// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"net/http"

	"github.com/taskd-org/taskd/internal/metrics"
	"github.com/taskd-org/taskd/internal/server/response"
	"github.com/taskd-org/taskd/internal/server/sse"
)

// NewEventsHandler serves GET /tasks/{id}/events: a live SSE feed of the
// task's lifecycle events. A Last-Event-ID header (or last_event_id query
// parameter) replays the hub's buffered events after that id.
func NewEventsHandler(d Deps) http.HandlerFunc {
	return streamHandler(d, func(r *http.Request) (string, error) {
		id := r.PathValue("id")
		if _, err := d.Supervisor.Get(r.Context(), id); err != nil {
			return "", err
		}
		return id, nil
	})
}

// NewGlobalEventsHandler serves GET /events: every task's events, for
// dashboards watching the whole engine.
func NewGlobalEventsHandler(d Deps) http.HandlerFunc {
	return streamHandler(d, func(*http.Request) (string, error) {
		return sse.GlobalStream, nil
	})
}

func streamHandler(d Deps, resolve func(*http.Request) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamID, err := resolve(r)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Write(w, response.New(http.StatusInternalServerError, "streaming unsupported"))
			return
		}

		lastEventID := r.Header.Get("Last-Event-ID")
		if lastEventID == "" {
			lastEventID = r.URL.Query().Get("last_event_id")
		}
		if lastEventID != "" {
			metrics.SSEResumeAttempt()
		}

		ctx := r.Context()
		endStream := metrics.SSEStreamStarted()
		defer endStream()

		sub := d.Hub.Subscribe(ctx, streamID, lastEventID)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("retry: 2000\n:connected\n\n")); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if _, err := w.Write(msg); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
