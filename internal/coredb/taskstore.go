// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskd-org/taskd/internal/types"
)

// TaskStore persists tasks as JSON documents with indexed status and
// ordering columns. The full document is the source of truth; the indexed
// columns exist only for list queries.
type TaskStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewTaskStore constructs a task store backed by the provided DB.
func NewTaskStore(db *DB) *TaskStore {
	if db == nil {
		return nil
	}
	return &TaskStore{
		db: db.sql,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Save writes the task, inserting or replacing the stored document. The
// caller (the supervisor) is the single writer; Save does not guard against
// concurrent updates.
func (s *TaskStore) Save(ctx context.Context, task *types.Task) error {
	if s == nil {
		return errors.New("coredb: task store unavailable")
	}
	if task == nil || task.ID == "" {
		return fmt.Errorf("save task: id required")
	}
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	now := s.nowFn().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (id, status, priority, plan_id, doc, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	plan_id = excluded.plan_id,
	doc = excluded.doc,
	updated_at = excluded.updated_at
`, task.ID, string(task.Status), string(task.Priority), task.PlanID, doc, task.CreatedAt.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// Get loads one task by id, including its step results.
func (s *TaskStore) Get(ctx context.Context, id string) (*types.Task, error) {
	if s == nil {
		return nil, errors.New("coredb: task store unavailable")
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var task types.Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// List returns tasks ordered newest-first, optionally filtered by status.
// A zero or negative limit applies the default page size.
func (s *TaskStore) List(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	if s == nil {
		return nil, errors.New("coredb: task store unavailable")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT doc FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		query = `SELECT doc FROM tasks WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`
		args = []any{string(status), limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var task types.Task
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CountByStatus returns task counts grouped by status. Used by the stats
// surface.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	if s == nil {
		return nil, errors.New("coredb: task store unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[types.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}
