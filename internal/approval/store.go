// Package approval tracks human review of HELD payouts: pending requests,
// their resolution (approve/deny), and in-process blocking waits for a
// resolution. Adapted from the teacher's generic ApprovalStore, narrowed to
// a single resource type (a payout) and with the optimistic
// WHERE status = 'pending' guard preserved exactly.
package approval

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vyapaar/internal/model"
)

// Request is a pending or resolved human review of a HELD payout.
type Request struct {
	ApprovalID   string      `json:"approval_id"`
	PayoutID     string      `json:"payout_id"`
	AgentID      string      `json:"agent_id"`
	Amount       model.Money `json:"amount"`
	Status       string      `json:"status"` // pending, approved, denied, expired, cancelled
	RequestedAt  time.Time   `json:"requested_at"`
	ResolvedBy   string      `json:"resolved_by,omitempty"`
	ResolvedAt   time.Time   `json:"resolved_at,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Store persists approval requests and lets callers block until one
// resolves.
type Store struct {
	db       *sql.DB
	waiterMu sync.Mutex
	waiters  map[string][]chan *Request
}

// NewStore creates a Store against db, which is expected to be shared with
// the relational store, and runs its migration.
func NewStore(db *sql.DB) (*Store, error) {
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create approval tables: %w", err)
	}
	return &Store{db: db, waiters: make(map[string][]chan *Request)}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS approval_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		approval_id TEXT UNIQUE NOT NULL,
		payout_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at TEXT NOT NULL,
		resolved_by TEXT,
		resolved_at TEXT,
		reason TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests(status);
	CREATE INDEX IF NOT EXISTS idx_approval_payout ON approval_requests(payout_id);
	CREATE INDEX IF NOT EXISTS idx_approval_agent ON approval_requests(agent_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Create records a new pending request for a HELD payout.
func (s *Store) Create(ctx context.Context, payoutID, agentID string, amount model.Money, expiresIn time.Duration) (*Request, error) {
	now := time.Now().UTC()
	req := &Request{
		ApprovalID:  "apr_" + uuid.New().String()[:8],
		PayoutID:    payoutID,
		AgentID:     agentID,
		Amount:      amount,
		Status:      "pending",
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if expiresIn != 0 {
		req.ExpiresAt = now.Add(expiresIn)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (approval_id, payout_id, agent_id, amount, status, requested_at, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ApprovalID, req.PayoutID, req.AgentID, req.Amount, req.Status,
		req.RequestedAt.Format(time.RFC3339Nano), formatTimeOrNull(req.ExpiresAt),
		req.CreatedAt.Format(time.RFC3339Nano), req.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}
	return req, nil
}

// Get retrieves an approval request by ID.
func (s *Store) Get(ctx context.Context, approvalID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, payout_id, agent_id, amount, status, requested_at,
		       resolved_by, resolved_at, reason, expires_at, created_at, updated_at
		FROM approval_requests WHERE approval_id = ?
	`, approvalID)
	return scanRequest(row)
}

// GetPendingByPayoutID finds the single pending approval for payoutID. Used
// by inbound chat-action handling, whose callback payload carries a
// payout_id rather than an approval_id.
func (s *Store) GetPendingByPayoutID(ctx context.Context, payoutID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, payout_id, agent_id, amount, status, requested_at,
		       resolved_by, resolved_at, reason, expires_at, created_at, updated_at
		FROM approval_requests WHERE payout_id = ? AND status = 'pending'
		ORDER BY requested_at DESC LIMIT 1
	`, payoutID)
	return scanRequest(row)
}

// ListOptions filters List.
type ListOptions struct {
	Status  string
	AgentID string
	Limit   int
}

// List returns approval requests matching opts, most recent first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Request, error) {
	query := `
		SELECT approval_id, payout_id, agent_id, amount, status, requested_at,
		       resolved_by, resolved_at, reason, expires_at, created_at, updated_at
		FROM approval_requests WHERE 1=1
	`
	var args []any
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Approve resolves a pending request as approved. The budget for a HELD
// payout was already committed during evaluation, so approval needs no
// further budget action — only the status transition.
func (s *Store) Approve(ctx context.Context, approvalID, approvedBy, reason string) error {
	return s.resolve(ctx, approvalID, "approved", approvedBy, reason)
}

// Deny resolves a pending request as denied. The caller is responsible for
// rolling back the held budget (see governance.RollbackForRejection) —
// this store only owns the approval's own state transition.
func (s *Store) Deny(ctx context.Context, approvalID, deniedBy, reason string) error {
	return s.resolve(ctx, approvalID, "denied", deniedBy, reason)
}

// Cancel resolves a pending request as cancelled, without implying a
// budget rollback either way.
func (s *Store) Cancel(ctx context.Context, approvalID, cancelledBy, reason string) error {
	return s.resolve(ctx, approvalID, "cancelled", cancelledBy, reason)
}

func (s *Store) resolve(ctx context.Context, approvalID, status, resolvedBy, reason string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, resolved_by = ?, resolved_at = ?, reason = ?, updated_at = ?
		WHERE approval_id = ? AND status = 'pending'
	`, status, resolvedBy, now.Format(time.RFC3339Nano), reason, now.Format(time.RFC3339Nano), approvalID)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("approval %s not found or not pending", approvalID)
	}
	s.notifyWaiters(approvalID)
	return nil
}

// ExpirePending marks all pending requests whose expiry has passed as
// expired, returning how many were affected.
func (s *Store) ExpirePending(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id FROM approval_requests
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?
	`, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("find expiring approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = 'expired', resolved_at = ?, reason = 'expired without human action', updated_at = ?
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?
	`, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	affected, _ := result.RowsAffected()

	for _, id := range ids {
		s.notifyWaiters(id)
	}
	return int(affected), nil
}

// WaitForResolution blocks until approvalID resolves or ctx is cancelled,
// returning the resolved request.
func (s *Store) WaitForResolution(ctx context.Context, approvalID string) (*Request, error) {
	req, err := s.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status != "pending" {
		return req, nil
	}

	ch := make(chan *Request, 1)
	s.waiterMu.Lock()
	s.waiters[approvalID] = append(s.waiters[approvalID], ch)
	s.waiterMu.Unlock()

	defer func() {
		s.waiterMu.Lock()
		defer s.waiterMu.Unlock()
		remaining := s.waiters[approvalID][:0]
		for _, c := range s.waiters[approvalID] {
			if c != ch {
				remaining = append(remaining, c)
			}
		}
		if len(remaining) == 0 {
			delete(s.waiters, approvalID)
		} else {
			s.waiters[approvalID] = remaining
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resolved := <-ch:
		return resolved, nil
	}
}

func (s *Store) notifyWaiters(approvalID string) {
	s.waiterMu.Lock()
	channels := s.waiters[approvalID]
	delete(s.waiters, approvalID)
	s.waiterMu.Unlock()
	if len(channels) == 0 {
		return
	}

	req, err := s.Get(context.Background(), approvalID)
	if err != nil {
		return
	}
	for _, ch := range channels {
		select {
		case ch <- req:
		default:
		}
	}
}

func scanRequest(row *sql.Row) (*Request, error) {
	var req Request
	var resolvedBy, resolvedAt, reason, expiresAt sql.NullString
	var requestedAt, createdAt, updatedAt string

	err := row.Scan(&req.ApprovalID, &req.PayoutID, &req.AgentID, &req.Amount, &req.Status,
		&requestedAt, &resolvedBy, &resolvedAt, &reason, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("approval not found")
		}
		return nil, err
	}
	populateOptional(&req, resolvedBy, resolvedAt, reason, expiresAt, requestedAt, createdAt, updatedAt)
	return &req, nil
}

func scanRequestRow(rows *sql.Rows) (*Request, error) {
	var req Request
	var resolvedBy, resolvedAt, reason, expiresAt sql.NullString
	var requestedAt, createdAt, updatedAt string

	err := rows.Scan(&req.ApprovalID, &req.PayoutID, &req.AgentID, &req.Amount, &req.Status,
		&requestedAt, &resolvedBy, &resolvedAt, &reason, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	populateOptional(&req, resolvedBy, resolvedAt, reason, expiresAt, requestedAt, createdAt, updatedAt)
	return &req, nil
}

func populateOptional(req *Request, resolvedBy, resolvedAt, reason, expiresAt sql.NullString, requestedAt, createdAt, updatedAt string) {
	req.ResolvedBy = resolvedBy.String
	req.Reason = reason.String
	req.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	req.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	req.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if resolvedAt.Valid {
		req.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt.String)
	}
	if expiresAt.Valid {
		req.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt.String)
	}
}

func formatTimeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
