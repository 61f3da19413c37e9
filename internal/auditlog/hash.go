// Package auditlog computes and verifies the hash chain over audit entries,
// and writes them durably with a filesystem fallback when the relational
// store is unavailable. It is grounded on the teacher's generic event-store
// hash chain, narrowed to this domain's AuditEntry shape.
package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"vyapaar/internal/model"
	"vyapaar/internal/relstore"
)

// GenesisHash is the PrevHash recorded for the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashedFields is the reduced, stable view of an AuditEntry that feeds the
// hash — it excludes the hash fields themselves, so recomputing it later
// from the same entry and prevHash is deterministic.
type hashedFields struct {
	PayoutID     string           `json:"payout_id"`
	AgentID      string           `json:"agent_id"`
	Amount       model.Money      `json:"amount"`
	Decision     model.Decision   `json:"decision"`
	ReasonCode   model.ReasonCode `json:"reason_code"`
	ReasonDetail string           `json:"reason_detail"`
	ThreatTypes  []string         `json:"threat_types,omitempty"`
	VendorURL    string           `json:"vendor_url,omitempty"`
	PrevHash     string           `json:"prev_hash"`
}

// ComputeEntryHash derives an entry's event hash from its content and the
// previous entry's hash, chaining every row to the one before it.
func ComputeEntryHash(e model.AuditEntry, prevHash string) string {
	fields := hashedFields{
		PayoutID:     e.PayoutID,
		AgentID:      e.AgentID,
		Amount:       e.Amount,
		Decision:     e.Decision,
		ReasonCode:   e.ReasonCode,
		ReasonDetail: e.ReasonDetail,
		ThreatTypes:  e.ThreatTypes,
		VendorURL:    e.VendorURL,
		PrevHash:     prevHash,
	}
	b, err := json.Marshal(fields)
	if err != nil {
		panic(fmt.Sprintf("auditlog: marshal hashed fields: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChainStatus summarizes the result of walking a stored hash chain.
type ChainStatus struct {
	Valid       bool   `json:"valid"`
	TotalEvents int    `json:"total_events"`
	BrokenAt    string `json:"broken_at,omitempty"`
	Error       string `json:"error,omitempty"`
	FirstID     string `json:"first_payout_id,omitempty"`
	LastID      string `json:"last_payout_id,omitempty"`
	LastHash    string `json:"last_hash,omitempty"`
}

// VerifyChain checks that PrevHash/EventHash form an unbroken link list in
// insertion order — the stored hashes aren't recomputed from content here,
// only their linkage is checked, matching the teacher's VerifyChainStatus
// contract for its generic event log.
func VerifyChain(links []relstore.HashLink) ChainStatus {
	status := ChainStatus{Valid: true, TotalEvents: len(links)}
	if len(links) == 0 {
		return status
	}
	status.FirstID = links[0].PayoutID
	status.LastID = links[len(links)-1].PayoutID

	expectedPrev := GenesisHash
	for _, l := range links {
		if l.PrevHash != expectedPrev {
			status.Valid = false
			status.BrokenAt = l.PayoutID
			status.Error = fmt.Sprintf("payout %s: prev_hash %q does not match preceding event_hash %q", l.PayoutID, l.PrevHash, expectedPrev)
			return status
		}
		expectedPrev = l.EventHash
	}
	status.LastHash = expectedPrev
	return status
}
