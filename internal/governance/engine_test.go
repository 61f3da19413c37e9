package governance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"vyapaar/internal/atomicstore"
	"vyapaar/internal/model"
	"vyapaar/internal/relstore"
	"vyapaar/internal/reputation/urlthreat"
)

func newTestEngine(t *testing.T, threatServer *httptest.Server) (*Engine, *relstore.Store, atomicstore.Store) {
	t.Helper()
	store, err := relstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open relstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	budget := atomicstore.NewFake()

	var threat *urlthreat.Client
	if threatServer != nil {
		threat = urlthreat.New("key", threatServer.URL, nil)
	}

	return New(store, budget, threat, Config{RateLimitMax: 10, RateLimitWindowSeconds: 60}), store, budget
}

func safeThreatServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
}

func TestEvaluateNoPolicyRejects(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	res := e.Evaluate(context.Background(), Input{PayoutID: "p1", AgentID: "ghost", Amount: 100})
	if res.Decision != model.Rejected || res.ReasonCode != model.ReasonNoPolicy {
		t.Fatalf("got %+v, want REJECTED/NO_POLICY", res)
	}
}

func TestEvaluateApprovedWithinLimits(t *testing.T) {
	srv := safeThreatServer(t)
	defer srv.Close()
	e, store, budget := newTestEngine(t, srv)
	ctx := context.Background()
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 5000, VendorURL: "https://vendor.example/pay"})
	if res.Decision != model.Approved || res.ReasonCode != model.ReasonPolicyOK {
		t.Fatalf("got %+v, want APPROVED/POLICY_OK", res)
	}
	spend, _ := budget.ReadSpend(ctx, "a1")
	if spend != 5000 {
		t.Fatalf("spend = %d, want 5000 committed", spend)
	}
}

func TestEvaluatePerTxnLimitRejectsBeforeBudgetWrite(t *testing.T) {
	e, store, budget := newTestEngine(t, nil)
	ctx := context.Background()
	limit := model.Money(1000)
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000, PerTxnLimit: &limit}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 5000})
	if res.Decision != model.Rejected || res.ReasonCode != model.ReasonTxnLimitExceeded {
		t.Fatalf("got %+v, want REJECTED/TXN_LIMIT_EXCEEDED", res)
	}
	spend, _ := budget.ReadSpend(ctx, "a1")
	if spend != 0 {
		t.Fatalf("budget should not be touched before the txn-limit check, spend=%d", spend)
	}
}

func TestEvaluateRateLimitedRejects(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	e.rateMax = 1
	ctx := context.Background()
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000}) //nolint:errcheck

	first := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 100})
	if first.Decision != model.Approved {
		t.Fatalf("first call should be approved, got %+v", first)
	}
	second := e.Evaluate(ctx, Input{PayoutID: "p2", AgentID: "a1", Amount: 100})
	if second.Decision != model.Rejected || second.ReasonCode != model.ReasonRateLimited {
		t.Fatalf("got %+v, want REJECTED/RATE_LIMITED", second)
	}
}

func TestEvaluateLimitExceededRejects(t *testing.T) {
	e, store, budget := newTestEngine(t, nil)
	ctx := context.Background()
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 1000}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 5000})
	if res.Decision != model.Rejected || res.ReasonCode != model.ReasonLimitExceeded {
		t.Fatalf("got %+v, want REJECTED/LIMIT_EXCEEDED", res)
	}
	spend, _ := budget.ReadSpend(ctx, "a1")
	if spend != 0 {
		t.Fatalf("spend = %d, want 0 (rejected commit doesn't change spend)", spend)
	}
}

func TestEvaluateDomainBlockedRollsBackBudget(t *testing.T) {
	e, store, budget := newTestEngine(t, nil)
	ctx := context.Background()
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000, BlockedDomains: []string{"scam.example"}}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 500, VendorURL: "https://scam.example/pay"})
	if res.Decision != model.Rejected || res.ReasonCode != model.ReasonDomainBlocked {
		t.Fatalf("got %+v, want REJECTED/DOMAIN_BLOCKED", res)
	}
	spend, _ := budget.ReadSpend(ctx, "a1")
	if spend != 0 {
		t.Fatalf("spend = %d, want 0 after rollback", spend)
	}
}

func TestEvaluateAllowListRejectsUnlistedDomain(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000, AllowedDomains: []string{"good.example"}}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 500, VendorURL: "https://other.example/pay"})
	if res.Decision != model.Rejected || res.ReasonCode != model.ReasonDomainBlocked {
		t.Fatalf("got %+v, want REJECTED/DOMAIN_BLOCKED for unlisted domain", res)
	}
}

func TestEvaluateUnsafeURLRollsBackBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"matches":[{"threatType":"MALWARE"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	e, store, budget := newTestEngine(t, srv)
	ctx := context.Background()
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 500, VendorURL: "https://bad.example/pay"})
	if res.Decision != model.Rejected || res.ReasonCode != model.ReasonRiskHigh {
		t.Fatalf("got %+v, want REJECTED/RISK_HIGH", res)
	}
	if len(res.ThreatTypes) != 1 || res.ThreatTypes[0] != "MALWARE" {
		t.Fatalf("threat types = %v, want [MALWARE]", res.ThreatTypes)
	}
	spend, _ := budget.ReadSpend(ctx, "a1")
	if spend != 0 {
		t.Fatalf("spend = %d, want 0 after rollback", spend)
	}
}

func TestEvaluateApprovalRequiredKeepsBudgetConsumed(t *testing.T) {
	srv := safeThreatServer(t)
	defer srv.Close()
	e, store, budget := newTestEngine(t, srv)
	ctx := context.Background()
	approvalAbove := model.Money(1000)
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000, RequireApprovalAbove: &approvalAbove}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 5000, VendorURL: "https://vendor.example/pay"})
	if res.Decision != model.Held || res.ReasonCode != model.ReasonApprovalRequired {
		t.Fatalf("got %+v, want HELD/APPROVAL_REQUIRED", res)
	}
	spend, _ := budget.ReadSpend(ctx, "a1")
	if spend != 5000 {
		t.Fatalf("spend = %d, want 5000 still held", spend)
	}
}

func TestEvaluateZeroAmountSkipsInequalities(t *testing.T) {
	srv := safeThreatServer(t)
	defer srv.Close()
	e, store, _ := newTestEngine(t, srv)
	ctx := context.Background()
	limit := model.Money(100)
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000, PerTxnLimit: &limit}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 0, VendorURL: "https://vendor.example/pay"})
	if res.Decision != model.Approved {
		t.Fatalf("zero-amount payout should pass the per-txn inequality, got %+v", res)
	}
}

func TestEvaluateEmptyAllowListMeansNoWhitelist(t *testing.T) {
	e, store, _ := newTestEngine(t, nil)
	ctx := context.Background()
	store.UpsertAgentPolicy(ctx, model.AgentPolicy{AgentID: "a1", DailyLimit: 100000}) //nolint:errcheck

	res := e.Evaluate(ctx, Input{PayoutID: "p1", AgentID: "a1", Amount: 500, VendorURL: "https://anything.example/pay"})
	if res.ReasonCode == model.ReasonDomainBlocked {
		t.Fatalf("empty allow-list should not block any domain, got %+v", res)
	}
}
