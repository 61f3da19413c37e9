package relstore

import (
	"context"
	"testing"

	"vyapaar/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetAgentPolicy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	perTxn := model.Money(20000)
	approval := model.Money(50000)
	policy := model.AgentPolicy{
		AgentID:              "agent-1",
		DailyLimit:           100000,
		PerTxnLimit:          &perTxn,
		RequireApprovalAbove: &approval,
		AllowedDomains:       []string{"acme.example", "vendor.example"},
		BlockedDomains:       []string{"scam.example"},
	}
	if err := s.UpsertAgentPolicy(ctx, policy); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetAgentPolicy(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a policy, got nil")
	}
	if got.DailyLimit != 100000 || *got.PerTxnLimit != 20000 || *got.RequireApprovalAbove != 50000 {
		t.Fatalf("unexpected policy: %+v", got)
	}
	if len(got.AllowedDomains) != 2 || len(got.BlockedDomains) != 1 {
		t.Fatalf("unexpected domains: %+v", got)
	}
}

func TestGetAgentPolicyMissing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetAgentPolicy(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown agent, got %+v", got)
	}
}

func TestUpsertAgentPolicyReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a", DailyLimit: 1000})        //nolint:errcheck
	s.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a", DailyLimit: 2000})        //nolint:errcheck
	got, _ := s.GetAgentPolicy(ctx, "a")
	if got.DailyLimit != 2000 {
		t.Fatalf("daily limit = %d, want 2000 after replace", got.DailyLimit)
	}
}

func TestWriteAuditLogDedupesByPayoutID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := model.AuditEntry{
		GovernanceResult: model.GovernanceResult{
			Decision:   model.Approved,
			ReasonCode: model.ReasonPolicyOK,
			PayoutID:   "pout_1",
			AgentID:    "agent-1",
			Amount:     5000,
		},
	}
	first, err := s.WriteAuditLog(ctx, entry, "", "hash-1")
	if err != nil || !first {
		t.Fatalf("first write: inserted=%v err=%v", first, err)
	}
	second, err := s.WriteAuditLog(ctx, entry, "", "hash-1")
	if err != nil || second {
		t.Fatalf("duplicate write: inserted=%v err=%v, want false,nil", second, err)
	}

	logs, err := s.GetAuditLogs(ctx, AuditQueryOptions{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
}

func TestAuditHashChainOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(id string) model.AuditEntry {
		return model.AuditEntry{GovernanceResult: model.GovernanceResult{
			Decision: model.Approved, ReasonCode: model.ReasonPolicyOK, PayoutID: id, AgentID: "a", Amount: 1,
		}}
	}
	s.WriteAuditLog(ctx, mk("p1"), "", "h1") //nolint:errcheck
	s.WriteAuditLog(ctx, mk("p2"), "h1", "h2") //nolint:errcheck
	s.WriteAuditLog(ctx, mk("p3"), "h2", "h3") //nolint:errcheck

	links, err := s.AllAuditHashes(ctx)
	if err != nil {
		t.Fatalf("all hashes: %v", err)
	}
	if len(links) != 3 {
		t.Fatalf("len(links) = %d, want 3", len(links))
	}
	for i, l := range links {
		if l.PayoutID != []string{"p1", "p2", "p3"}[i] {
			t.Fatalf("links out of insertion order: %+v", links)
		}
	}

	last, err := s.LastAuditHash(ctx)
	if err != nil {
		t.Fatalf("last hash: %v", err)
	}
	if last != "h3" {
		t.Fatalf("last hash = %q, want h3", last)
	}
}
