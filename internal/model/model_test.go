package model

import (
	"encoding/json"
	"testing"
)

func TestNotesAgentIDDefaultsToUnknown(t *testing.T) {
	if got := NotesAgentID(nil); got != "unknown" {
		t.Fatalf("NotesAgentID(nil) = %q, want unknown", got)
	}
	if got := NotesAgentID(map[string]any{}); got != "unknown" {
		t.Fatalf("NotesAgentID(empty) = %q, want unknown", got)
	}
	if got := NotesAgentID(map[string]any{"agent_id": ""}); got != "unknown" {
		t.Fatalf("NotesAgentID(empty string) = %q, want unknown", got)
	}
}

func TestNotesAgentIDReturnsPresentValue(t *testing.T) {
	notes := map[string]any{"agent_id": "agent-42"}
	if got := NotesAgentID(notes); got != "agent-42" {
		t.Fatalf("NotesAgentID = %q, want agent-42", got)
	}
}

func TestNotesAgentIDIgnoresWrongType(t *testing.T) {
	notes := map[string]any{"agent_id": 42}
	if got := NotesAgentID(notes); got != "unknown" {
		t.Fatalf("NotesAgentID with non-string value = %q, want unknown", got)
	}
}

func TestNotesVendorURLAbsentIsEmpty(t *testing.T) {
	if got := NotesVendorURL(nil); got != "" {
		t.Fatalf("NotesVendorURL(nil) = %q, want empty", got)
	}
}

func TestNotesVendorURLReturnsPresentValue(t *testing.T) {
	notes := map[string]any{"vendor_url": "https://vendor.example"}
	if got := NotesVendorURL(notes); got != "https://vendor.example" {
		t.Fatalf("NotesVendorURL = %q, want https://vendor.example", got)
	}
}

func TestPayoutEntityAgentIDAndVendorURLReadFromNotes(t *testing.T) {
	p := PayoutEntity{
		ID:     "pout_1",
		Amount: 1000,
		Notes:  map[string]any{"agent_id": "agent-7", "vendor_url": "https://safe.example"},
	}
	if got := p.AgentID(); got != "agent-7" {
		t.Fatalf("AgentID() = %q, want agent-7", got)
	}
	if got := p.VendorURL(); got != "https://safe.example" {
		t.Fatalf("VendorURL() = %q, want https://safe.example", got)
	}
}

func TestPayoutEntityWithoutNotesDefaultsAgentToUnknown(t *testing.T) {
	p := PayoutEntity{ID: "pout_1", Amount: 1000}
	if got := p.AgentID(); got != "unknown" {
		t.Fatalf("AgentID() with no notes = %q, want unknown", got)
	}
	if got := p.VendorURL(); got != "" {
		t.Fatalf("VendorURL() with no notes = %q, want empty", got)
	}
}

func TestPayoutEntityJSONDoesNotExposeTopLevelAgentIDOrVendorURL(t *testing.T) {
	p := PayoutEntity{
		ID:     "pout_1",
		Amount: 1000,
		Notes:  map[string]any{"agent_id": "agent-7", "vendor_url": "https://safe.example"},
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["agent_id"]; ok {
		t.Fatalf("agent_id must not be a top-level field, got: %s", b)
	}
	if _, ok := raw["vendor_url"]; ok {
		t.Fatalf("vendor_url must not be a top-level field, got: %s", b)
	}
	notes, ok := raw["notes"].(map[string]any)
	if !ok {
		t.Fatalf("expected notes object in JSON output, got: %s", b)
	}
	if notes["agent_id"] != "agent-7" {
		t.Fatalf("notes.agent_id = %v, want agent-7", notes["agent_id"])
	}
}

func TestGovernanceResultJSONFieldNames(t *testing.T) {
	res := GovernanceResult{
		Decision:   Held,
		ReasonCode: ReasonApprovalRequired,
		PayoutID:   "pout_1",
		AgentID:    "agent-7",
		Amount:     5000,
	}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["decision"] != "HELD" {
		t.Fatalf("decision = %v, want HELD", raw["decision"])
	}
	if raw["reason_code"] != "APPROVAL_REQUIRED" {
		t.Fatalf("reason_code = %v, want APPROVAL_REQUIRED", raw["reason_code"])
	}
}

func TestAuditEntryEmbedsGovernanceResult(t *testing.T) {
	entry := AuditEntry{
		GovernanceResult: GovernanceResult{
			Decision: Approved,
			PayoutID: "pout_1",
		},
		VendorURL: "https://vendor.example",
	}
	b, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["decision"] != "APPROVED" {
		t.Fatalf("expected embedded GovernanceResult fields to be promoted, got: %s", b)
	}
	if raw["vendor_url"] != "https://vendor.example" {
		t.Fatalf("vendor_url = %v, want https://vendor.example", raw["vendor_url"])
	}
}
