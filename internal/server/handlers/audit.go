// SPDX-License-Identifier: AGPL-3.0-or-later
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/taskd-org/taskd/internal/types"
)

const maxAuditPage = 500

// NewAuditHandler serves GET /tasks/{id}/audit?after_seq=&limit=: the task's
// audit entries in sequence order.
func NewAuditHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")
		if _, err := d.Supervisor.Get(ctx, id); err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}

		var afterSeq int64
		if raw := r.URL.Query().Get("after_seq"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				writeErr(w, r, d.logger(r), validationErr("invalid after_seq %q", raw))
				return
			}
			afterSeq = parsed
		}
		limit := maxAuditPage
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeErr(w, r, d.logger(r), validationErr("invalid limit %q", raw))
				return
			}
			limit = min(parsed, maxAuditPage)
		}

		entries := make([]types.AuditEntry, 0, 32)
		err := d.Trail.ForEach(ctx, id, afterSeq, func(e types.AuditEntry) error {
			if len(entries) >= limit {
				return errPageFull
			}
			entries = append(entries, e)
			return nil
		})
		if err != nil && !errors.Is(err, errPageFull) {
			writeErr(w, r, d.logger(r), err)
			return
		}
		earliest, latest, err := d.Trail.Bounds(ctx, id)
		if err != nil {
			writeErr(w, r, d.logger(r), err)
			return
		}
		resp := map[string]any{
			"entries":      entries,
			"count":        len(entries),
			"earliest_seq": earliest,
			"latest_seq":   latest,
		}
		if len(entries) > 0 {
			// Cursor for the next page.
			resp["last_seq"] = entries[len(entries)-1].Seq
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

var errPageFull = sentinelError("audit page full")

type sentinelError string

func (e sentinelError) Error() string { return string(e) }
