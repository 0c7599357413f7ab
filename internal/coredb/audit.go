// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskd-org/taskd/internal/metrics"
	"github.com/taskd-org/taskd/internal/types"
)

// Trail provides append-only audit persistence backed by the task DB.
// Entries are totally ordered by seq and are never mutated or deleted by the
// engine; retention is an operational concern handled outside the process.
type Trail struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewTrail returns a Trail backed by the provided DB.
func NewTrail(db *DB) *Trail {
	if db == nil {
		return nil
	}
	return &Trail{
		db: db.sql,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Append stores an audit entry and returns it with the allocated sequence
// number. The actor and action are required; task, plan, and step references
// are optional depending on the action.
func (t *Trail) Append(ctx context.Context, e types.AuditEntry) (types.AuditEntry, error) {
	if t == nil {
		return e, nil
	}
	if e.Action == "" {
		return e, fmt.Errorf("append audit: action required")
	}
	if e.Actor.Kind == "" {
		e.Actor = types.Actor{Kind: types.ActorSystem, ID: "taskd"}
	}
	if e.Outcome == "" {
		e.Outcome = types.OutcomeAllowed
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.nowFn()
	}

	var details []byte
	if len(e.Details) > 0 {
		encoded, err := json.Marshal(e.Details)
		if err != nil {
			return e, fmt.Errorf("encode audit details: %w", err)
		}
		details = encoded
	}

	res, err := t.db.ExecContext(ctx, `
INSERT INTO audit_log (task_id, plan_id, step_id, actor_kind, actor_id, action, outcome, details, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, e.TaskID, e.PlanID, e.StepID, string(e.Actor.Kind), e.Actor.ID, e.Action, string(e.Outcome), details, e.Timestamp.UnixMilli())
	if err != nil {
		return e, fmt.Errorf("audit insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return e, fmt.Errorf("audit last insert id: %w", err)
	}
	e.Seq = seq
	metrics.AuditAppended()
	return e, nil
}

// Bounds returns the earliest and latest sequence currently stored for the
// provided task. A zero earliest indicates no entries exist.
func (t *Trail) Bounds(ctx context.Context, taskID string) (earliest, latest int64, err error) {
	if t == nil {
		return 0, 0, nil
	}
	if err = t.db.QueryRowContext(ctx, `
SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0)
FROM audit_log WHERE task_id = ?
`, taskID).Scan(&earliest, &latest); err != nil {
		return 0, 0, fmt.Errorf("audit bounds: %w", err)
	}
	return earliest, latest, nil
}

// ForEach streams audit entries for the supplied task strictly after the
// provided sequence (seq > afterSeq) in ascending order. Iteration halts if
// the callback returns an error.
func (t *Trail) ForEach(ctx context.Context, taskID string, afterSeq int64, fn func(types.AuditEntry) error) error {
	if t == nil || fn == nil {
		return nil
	}
	rows, err := t.db.QueryContext(ctx, `
SELECT seq, task_id, plan_id, step_id, actor_kind, actor_id, action, outcome, details, ts
FROM audit_log
WHERE task_id = ? AND seq > ?
ORDER BY seq ASC
`, taskID, afterSeq)
	if err != nil {
		return fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, scanErr := scanAuditRow(rows)
		if scanErr != nil {
			return scanErr
		}
		if fnErr := fn(entry); fnErr != nil {
			return fnErr
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return fmt.Errorf("audit rows: %w", rowsErr)
	}
	return nil
}

// Recent returns up to limit entries across all tasks in descending seq
// order. Used by the stats surface.
func (t *Trail) Recent(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	if t == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.QueryContext(ctx, `
SELECT seq, task_id, plan_id, step_id, actor_kind, actor_id, action, outcome, details, ts
FROM audit_log
ORDER BY seq DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		entry, scanErr := scanAuditRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("audit rows: %w", rowsErr)
	}
	return entries, nil
}

func scanAuditRow(rows *sql.Rows) (types.AuditEntry, error) {
	var entry types.AuditEntry
	var actorKind, actorID, outcome string
	var details []byte
	var tsMillis int64
	if err := rows.Scan(&entry.Seq, &entry.TaskID, &entry.PlanID, &entry.StepID,
		&actorKind, &actorID, &entry.Action, &outcome, &details, &tsMillis); err != nil {
		return entry, fmt.Errorf("audit scan: %w", err)
	}
	entry.Actor = types.Actor{Kind: types.ActorKind(actorKind), ID: actorID}
	entry.Outcome = types.AuditOutcome(outcome)
	entry.Timestamp = time.UnixMilli(tsMillis).UTC()
	if len(details) > 0 {
		if err := json.Unmarshal(details, &entry.Details); err != nil {
			return entry, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return entry, nil
}

// ParseEventID converts an SSE event ID into a sequence integer. It returns
// zero when the ID is empty.
func ParseEventID(id string) (int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event id %q: %w", id, err)
	}
	return seq, nil
}
