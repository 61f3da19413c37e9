// Package relstore is the relational store for agent policies and audit
// entries. It owns two tables — agent_policies and audit_logs — on either
// SQLite (dev/embedded) or PostgreSQL, selected by DSN prefix exactly as
// the teacher's audit store selects its backend.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"vyapaar/internal/model"
)

// Store persists agent_policies and audit_logs.
type Store struct {
	db         *sql.DB
	isPostgres bool
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *Store) IsPostgres() bool { return s.isPostgres }

// DB exposes the underlying connection for shared use by other components
// (e.g. the approval store rides the same database).
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders into $N ones when targeting PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Open connects to dsn, detecting PostgreSQL vs. SQLite by prefix, and runs
// migrations.
func Open(dsn string) (*Store, error) {
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
	} else {
		if dsn == "" {
			dsn = "vyapaar.db"
		}
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create relational store directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, isPostgres: isPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	textArray := "TEXT" // stored as a comma-joined string on both backends for portability
	timestamp := "TEXT"
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.isPostgres {
		timestamp = "TIMESTAMPTZ"
		pk = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS agent_policies (
		agent_id TEXT PRIMARY KEY,
		daily_limit BIGINT NOT NULL,
		per_txn_limit BIGINT,
		require_approval_above BIGINT,
		allowed_domains %[1]s,
		blocked_domains %[1]s,
		created_at %[2]s NOT NULL,
		updated_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id %[3]s,
		payout_id TEXT UNIQUE NOT NULL,
		agent_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		vendor_name TEXT,
		vendor_url TEXT,
		decision TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		reason_detail TEXT,
		threat_types %[1]s,
		processing_ms INT,
		prev_hash TEXT,
		event_hash TEXT,
		created_at %[2]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_agent_id ON audit_logs(agent_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
	`, textArray, timestamp, pk)

	_, err := s.db.Exec(schema)
	return err
}

// GetAgentPolicy returns the stored policy for agentID, or nil if none exists.
func (s *Store) GetAgentPolicy(ctx context.Context, agentID string) (*model.AgentPolicy, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT agent_id, daily_limit, per_txn_limit, require_approval_above,
		       allowed_domains, blocked_domains, created_at, updated_at
		FROM agent_policies WHERE agent_id = ?
	`), agentID)

	var p model.AgentPolicy
	var perTxn, approvalAbove sql.NullInt64
	var allowed, blocked string
	var createdAt, updatedAt string
	if err := row.Scan(&p.AgentID, &p.DailyLimit, &perTxn, &approvalAbove, &allowed, &blocked, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent policy: %w", err)
	}
	if perTxn.Valid {
		v := perTxn.Int64
		p.PerTxnLimit = &v
	}
	if approvalAbove.Valid {
		v := approvalAbove.Int64
		p.RequireApprovalAbove = &v
	}
	p.AllowedDomains = splitCSV(allowed)
	p.BlockedDomains = splitCSV(blocked)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// UpsertAgentPolicy inserts or replaces an agent's policy. Idempotent: two
// identical upserts leave the stored record unchanged except updated_at.
func (s *Store) UpsertAgentPolicy(ctx context.Context, p model.AgentPolicy) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	upsert := `
	INSERT INTO agent_policies (agent_id, daily_limit, per_txn_limit, require_approval_above, allowed_domains, blocked_domains, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (agent_id) DO UPDATE SET
		daily_limit = excluded.daily_limit,
		per_txn_limit = excluded.per_txn_limit,
		require_approval_above = excluded.require_approval_above,
		allowed_domains = excluded.allowed_domains,
		blocked_domains = excluded.blocked_domains,
		updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, upsert),
		p.AgentID, p.DailyLimit, nullableInt(p.PerTxnLimit), nullableInt(p.RequireApprovalAbove),
		joinCSV(p.AllowedDomains), joinCSV(p.BlockedDomains),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert agent policy: %w", err)
	}
	return nil
}

// WriteAuditLog inserts an audit entry. Returns inserted=false when a row
// for the same payout_id already exists (ON CONFLICT DO NOTHING), matching
// the at-most-one-row-per-payout invariant.
func (s *Store) WriteAuditLog(ctx context.Context, e model.AuditEntry, prevHash, eventHash string) (inserted bool, err error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO audit_logs (payout_id, agent_id, amount, currency, vendor_name, vendor_url,
		                         decision, reason_code, reason_detail, threat_types, processing_ms,
		                         prev_hash, event_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payout_id) DO NOTHING
	`),
		e.PayoutID, e.AgentID, e.Amount, model.Currency, e.VendorName, e.VendorURL,
		string(e.Decision), string(e.ReasonCode), e.ReasonDetail, joinCSV(e.ThreatTypes), e.ProcessingMS,
		prevHash, eventHash, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("write audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AuditQueryOptions filters GetAuditLogs.
type AuditQueryOptions struct {
	AgentID  string
	PayoutID string
	Limit    int
}

// GetAuditLogs returns audit entries matching opts, most recent first.
func (s *Store) GetAuditLogs(ctx context.Context, opts AuditQueryOptions) ([]model.AuditEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT payout_id, agent_id, amount, vendor_name, vendor_url, decision, reason_code,
	                  reason_detail, threat_types, processing_ms, created_at
	           FROM audit_logs WHERE 1=1`
	var args []any
	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	if opts.PayoutID != "" {
		query += " AND payout_id = ?"
		args = append(args, opts.PayoutID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, query), args...)
	if err != nil {
		return nil, fmt.Errorf("get audit logs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var vendorName, vendorURL, reasonDetail, threatTypes sql.NullString
		var createdAt string
		if err := rows.Scan(&e.PayoutID, &e.AgentID, &e.Amount, &vendorName, &vendorURL,
			&e.Decision, &e.ReasonCode, &reasonDetail, &threatTypes, &e.ProcessingMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.VendorName = vendorName.String
		e.VendorURL = vendorURL.String
		e.ReasonDetail = reasonDetail.String
		e.ThreatTypes = splitCSV(threatTypes.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastAuditHash returns the event_hash of the most recently inserted audit
// row, or the empty string if the table is empty.
func (s *Store) LastAuditHash(ctx context.Context) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last audit hash: %w", err)
	}
	return hash.String, nil
}

// AllAuditHashes returns (event_hash, prev_hash) pairs in insertion order,
// for chain verification.
func (s *Store) AllAuditHashes(ctx context.Context) ([]HashLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payout_id, prev_hash, event_hash FROM audit_logs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("all audit hashes: %w", err)
	}
	defer rows.Close()

	var out []HashLink
	for rows.Next() {
		var l HashLink
		var prev, hash sql.NullString
		if err := rows.Scan(&l.PayoutID, &prev, &hash); err != nil {
			return nil, fmt.Errorf("scan hash link: %w", err)
		}
		l.PrevHash = prev.String
		l.EventHash = hash.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// HashLink is one audit row's position in the hash chain.
type HashLink struct {
	PayoutID  string
	PrevHash  string
	EventHash string
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func joinCSV(ss []string) string {
	return strings.Join(ss, ",")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
