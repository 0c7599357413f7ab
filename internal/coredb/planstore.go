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

// PlanStore persists compiled plans. A plan's steps are immutable after
// compilation; only the status, approval fields, and attached simulation
// result change, and those change through full-document rewrites here.
type PlanStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewPlanStore constructs a plan store backed by the provided DB.
func NewPlanStore(db *DB) *PlanStore {
	if db == nil {
		return nil
	}
	return &PlanStore{
		db: db.sql,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Create inserts a freshly compiled plan. It fails if the id already exists;
// recompilation produces a new plan id rather than rewriting an old one.
func (s *PlanStore) Create(ctx context.Context, plan *types.Plan) error {
	if s == nil {
		return errors.New("coredb: plan store unavailable")
	}
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("create plan: id required")
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO plans (id, status, doc, created_at)
VALUES (?, ?, ?, ?)
`, plan.ID, string(plan.Status), doc, plan.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("create plan %s: %w", plan.ID, err)
	}
	return nil
}

// Update rewrites the stored plan document. Steps must not have changed;
// callers update status, approval, and simulation fields only.
func (s *PlanStore) Update(ctx context.Context, plan *types.Plan) error {
	if s == nil {
		return errors.New("coredb: plan store unavailable")
	}
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("update plan: id required")
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE plans SET status = ?, doc = ? WHERE id = ?
`, string(plan.Status), doc, plan.ID)
	if err != nil {
		return fmt.Errorf("update plan %s: %w", plan.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("plan %s: %w", plan.ID, ErrNotFound)
	}
	return nil
}

// Get loads one plan by id.
func (s *PlanStore) Get(ctx context.Context, id string) (*types.Plan, error) {
	if s == nil {
		return nil, errors.New("coredb: plan store unavailable")
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM plans WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}
	var plan types.Plan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", id, err)
	}
	return &plan, nil
}
