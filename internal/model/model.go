// Package model defines the core data types shared across the governance
// pipeline: payouts, agent policy, decisions, and audit entries.
package model

import "time"

// Money is an amount in the provider's minor currency unit ("paise").
// Amounts are always non-negative; currency is fixed to INR unless stated.
type Money = int64

// Currency is the only currency the core understands.
const Currency = "INR"

// PayoutStatus is the provider-reported lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutQueued     PayoutStatus = "queued"
	PayoutProcessing PayoutStatus = "processing"
	PayoutProcessed  PayoutStatus = "processed"
	PayoutReversed   PayoutStatus = "reversed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// PayoutEntity is a debit initiated by an agent against a vendor fund
// account, as reported by the payment provider (via webhook or poll).
// agent_id and vendor_url are not top-level provider fields: both are
// carried inside the free-form Notes map and must be read with
// NotesAgentID/NotesVendorURL, matching the original's get_notes() design.
type PayoutEntity struct {
	ID            string         `json:"id"`
	Amount        Money          `json:"amount"`
	Currency      string         `json:"currency"`
	Status        PayoutStatus   `json:"status"`
	FundAccountID string         `json:"fund_account_id,omitempty"`
	VendorName    string         `json:"vendor_name,omitempty"`
	Notes         map[string]any `json:"notes,omitempty"`
	CreatedAt     time.Time      `json:"created_at,omitempty"`
}

// AgentID returns the agent_id carried in the payout's notes, defaulting to
// "unknown" when absent.
func (p PayoutEntity) AgentID() string { return NotesAgentID(p.Notes) }

// VendorURL returns the optional vendor_url carried in the payout's notes.
func (p PayoutEntity) VendorURL() string { return NotesVendorURL(p.Notes) }

// NotesAgentID returns the agent_id carried in a payout's free-form notes
// map, defaulting to "unknown" when absent — the same fallback the original
// polling and webhook paths use so every payout resolves to some policy
// lookup key.
func NotesAgentID(notes map[string]any) string {
	if v, ok := notes["agent_id"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// NotesVendorURL extracts the optional vendor_url from a payout's notes.
func NotesVendorURL(notes map[string]any) string {
	if v, ok := notes["vendor_url"].(string); ok {
		return v
	}
	return ""
}

// AgentPolicy is the governance configuration for a single agent.
type AgentPolicy struct {
	AgentID               string    `json:"agent_id"`
	DailyLimit            Money     `json:"daily_limit"`
	PerTxnLimit           *Money    `json:"per_txn_limit,omitempty"`
	RequireApprovalAbove  *Money    `json:"require_approval_above,omitempty"`
	AllowedDomains        []string  `json:"allowed_domains"`
	BlockedDomains        []string  `json:"blocked_domains"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// DefaultDailyLimit is used when a caller does not specify one explicitly.
const DefaultDailyLimit Money = 500000

// Decision is the terminal outcome of a governance evaluation.
type Decision string

const (
	Approved Decision = "APPROVED"
	Rejected Decision = "REJECTED"
	Held     Decision = "HELD"
	Skipped  Decision = "SKIPPED"
)

// ReasonCode explains why a Decision was reached.
type ReasonCode string

const (
	ReasonPolicyOK           ReasonCode = "POLICY_OK"
	ReasonInvalidSignature   ReasonCode = "INVALID_SIGNATURE"
	ReasonIdempotentSkip     ReasonCode = "IDEMPOTENT_SKIP"
	ReasonNoPolicy           ReasonCode = "NO_POLICY"
	ReasonLimitExceeded      ReasonCode = "LIMIT_EXCEEDED"
	ReasonTxnLimitExceeded   ReasonCode = "TXN_LIMIT_EXCEEDED"
	ReasonRiskHigh           ReasonCode = "RISK_HIGH"
	ReasonDomainBlocked      ReasonCode = "DOMAIN_BLOCKED"
	ReasonApprovalRequired   ReasonCode = "APPROVAL_REQUIRED"
	ReasonRateLimited        ReasonCode = "RATE_LIMITED"
	ReasonAnomalyDetected    ReasonCode = "ANOMALY_DETECTED"
	ReasonInternalError      ReasonCode = "INTERNAL_ERROR"
	ReasonUnsupportedEvent   ReasonCode = "UNSUPPORTED_EVENT"
	ReasonHumanApproved      ReasonCode = "HUMAN_APPROVED"
	ReasonHumanRejected      ReasonCode = "HUMAN_REJECTED"
)

// GovernanceResult is the output of a single governance evaluation.
type GovernanceResult struct {
	Decision     Decision      `json:"decision"`
	ReasonCode   ReasonCode    `json:"reason_code"`
	ReasonDetail string        `json:"reason_detail"`
	PayoutID     string        `json:"payout_id"`
	AgentID      string        `json:"agent_id"`
	Amount       Money         `json:"amount"`
	ThreatTypes  []string      `json:"threat_types,omitempty"`
	ProcessingMS int64         `json:"processing_ms"`
}

// AuditEntry is the durable record of a GovernanceResult, plus vendor
// context that isn't part of the decision itself. Uniqueness is on
// PayoutID: a payout contributes at most one terminal audit row.
type AuditEntry struct {
	GovernanceResult
	VendorName string    `json:"vendor_name,omitempty"`
	VendorURL  string    `json:"vendor_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
