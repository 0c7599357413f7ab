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

// RequestStore persists approval and decision requests. Resolution is
// first-committer-wins: the UPDATE is guarded on status = 'pending', so a
// concurrent human decision and a timeout sweep cannot both take effect.
type RequestStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewRequestStore constructs a request store backed by the provided DB.
func NewRequestStore(db *DB) *RequestStore {
	if db == nil {
		return nil
	}
	return &RequestStore{
		db: db.sql,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// CreateApproval inserts a new pending approval request.
func (s *RequestStore) CreateApproval(ctx context.Context, req *types.ApprovalRequest) error {
	if s == nil {
		return errors.New("coredb: request store unavailable")
	}
	if req == nil || req.ID == "" {
		return fmt.Errorf("create approval: id required")
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO approval_requests (id, task_id, status, expires_at, doc, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, req.ID, req.TaskID, string(req.Status), req.ExpiresAt.UnixMilli(), doc, req.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("create approval %s: %w", req.ID, err)
	}
	return nil
}

// GetApproval loads one approval request by id.
func (s *RequestStore) GetApproval(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	if s == nil {
		return nil, errors.New("coredb: request store unavailable")
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM approval_requests WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load approval %s: %w", id, err)
	}
	var req types.ApprovalRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", id, err)
	}
	return &req, nil
}

// ResolveApproval commits a terminal (or next-level) state for a pending
// approval. The caller supplies the fully updated request; the write only
// succeeds if the stored row is still pending. ErrAlreadyResolved is returned
// when another writer got there first.
func (s *RequestStore) ResolveApproval(ctx context.Context, req *types.ApprovalRequest) error {
	if s == nil {
		return errors.New("coredb: request store unavailable")
	}
	if req == nil || req.ID == "" {
		return fmt.Errorf("resolve approval: id required")
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE approval_requests SET status = ?, doc = ?
WHERE id = ? AND status = ?
`, string(req.Status), doc, req.ID, string(types.ApprovalPending))
	if err != nil {
		return fmt.Errorf("resolve approval %s: %w", req.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return s.approvalResolveConflict(ctx, req.ID)
	}
	return nil
}

// AdvanceApproval persists a level advance on a still-pending chained
// request. Unlike ResolveApproval the status stays pending.
func (s *RequestStore) AdvanceApproval(ctx context.Context, req *types.ApprovalRequest) error {
	if s == nil {
		return errors.New("coredb: request store unavailable")
	}
	if req == nil || req.ID == "" {
		return fmt.Errorf("advance approval: id required")
	}
	if req.Status != types.ApprovalPending {
		return fmt.Errorf("advance approval %s: status %s is not pending", req.ID, req.Status)
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE approval_requests SET doc = ?, expires_at = ?
WHERE id = ? AND status = ?
`, doc, req.ExpiresAt.UnixMilli(), req.ID, string(types.ApprovalPending))
	if err != nil {
		return fmt.Errorf("advance approval %s: %w", req.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return s.approvalResolveConflict(ctx, req.ID)
	}
	return nil
}

func (s *RequestStore) approvalResolveConflict(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("approval %s conflict lookup: %w", id, err)
	}
	return fmt.Errorf("approval %s is %s: %w", id, status, ErrAlreadyResolved)
}

// ListApprovals returns approval requests, optionally filtered by task and
// status, newest first.
func (s *RequestStore) ListApprovals(ctx context.Context, taskID string, status types.ApprovalStatus, limit int) ([]*types.ApprovalRequest, error) {
	if s == nil {
		return nil, errors.New("coredb: request store unavailable")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT doc FROM approval_requests WHERE 1=1`
	args := make([]any, 0, 3)
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var reqs []*types.ApprovalRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		var req types.ApprovalRequest
		if err := json.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("decode approval: %w", err)
		}
		reqs = append(reqs, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return reqs, nil
}

// ExpiredApprovals returns pending approvals whose deadline passed at or
// before now. The sweeper resolves each via ResolveApproval, which keeps the
// operation race-free against late human decisions.
func (s *RequestStore) ExpiredApprovals(ctx context.Context, now time.Time) ([]*types.ApprovalRequest, error) {
	if s == nil {
		return nil, errors.New("coredb: request store unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT doc FROM approval_requests
WHERE status = ? AND expires_at <= ?
ORDER BY expires_at ASC
`, string(types.ApprovalPending), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()

	var reqs []*types.ApprovalRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		var req types.ApprovalRequest
		if err := json.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("decode approval: %w", err)
		}
		reqs = append(reqs, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	return reqs, nil
}

// CreateDecision inserts a new pending decision request.
func (s *RequestStore) CreateDecision(ctx context.Context, req *types.DecisionRequest) error {
	if s == nil {
		return errors.New("coredb: request store unavailable")
	}
	if req == nil || req.ID == "" {
		return fmt.Errorf("create decision: id required")
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO decision_requests (id, task_id, status, expires_at, doc, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, req.ID, req.TaskID, string(req.Status), req.ExpiresAt.UnixMilli(), doc, req.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("create decision %s: %w", req.ID, err)
	}
	return nil
}

// GetDecision loads one decision request by id.
func (s *RequestStore) GetDecision(ctx context.Context, id string) (*types.DecisionRequest, error) {
	if s == nil {
		return nil, errors.New("coredb: request store unavailable")
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM decision_requests WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load decision %s: %w", id, err)
	}
	var req types.DecisionRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("decode decision %s: %w", id, err)
	}
	return &req, nil
}

// ResolveDecision commits a terminal state for a pending decision request
// with the same first-committer-wins guard as ResolveApproval.
func (s *RequestStore) ResolveDecision(ctx context.Context, req *types.DecisionRequest) error {
	if s == nil {
		return errors.New("coredb: request store unavailable")
	}
	if req == nil || req.ID == "" {
		return fmt.Errorf("resolve decision: id required")
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE decision_requests SET status = ?, doc = ?
WHERE id = ? AND status = ?
`, string(req.Status), doc, req.ID, string(types.DecisionPending))
	if err != nil {
		return fmt.Errorf("resolve decision %s: %w", req.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var status string
		lookupErr := s.db.QueryRowContext(ctx, `SELECT status FROM decision_requests WHERE id = ?`, req.ID).Scan(&status)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return fmt.Errorf("decision %s: %w", req.ID, ErrNotFound)
		}
		if lookupErr != nil {
			return fmt.Errorf("decision %s conflict lookup: %w", req.ID, lookupErr)
		}
		return fmt.Errorf("decision %s is %s: %w", req.ID, status, ErrAlreadyResolved)
	}
	return nil
}

// ListDecisions returns decision requests, optionally filtered by task and
// status, newest first.
func (s *RequestStore) ListDecisions(ctx context.Context, taskID string, status types.DecisionStatus, limit int) ([]*types.DecisionRequest, error) {
	if s == nil {
		return nil, errors.New("coredb: request store unavailable")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT doc FROM decision_requests WHERE 1=1`
	args := make([]any, 0, 3)
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var reqs []*types.DecisionRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var req types.DecisionRequest
		if err := json.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		reqs = append(reqs, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return reqs, nil
}

// ExpiredDecisions returns pending decisions whose deadline passed at or
// before now.
func (s *RequestStore) ExpiredDecisions(ctx context.Context, now time.Time) ([]*types.DecisionRequest, error) {
	if s == nil {
		return nil, errors.New("coredb: request store unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT doc FROM decision_requests
WHERE status = ? AND expires_at <= ?
ORDER BY expires_at ASC
`, string(types.DecisionPending), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired decisions: %w", err)
	}
	defer rows.Close()

	var reqs []*types.DecisionRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var req types.DecisionRequest
		if err := json.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		reqs = append(reqs, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired decisions: %w", err)
	}
	return reqs, nil
}
