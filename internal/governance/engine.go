// Package governance implements the ordered, short-circuiting payout
// evaluation pipeline: policy lookup, per-transaction cap, rate limit,
// budget commit, domain gate, URL threat check, approval threshold.
// Modelled on the teacher's policy.Engine ordered-rule-matching style —
// evaluate in a fixed sequence, stop at the first adverse verdict, and log
// the reasoning trail alongside the result.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"vyapaar/internal/atomicstore"
	"vyapaar/internal/model"
	"vyapaar/internal/relstore"
	"vyapaar/internal/reputation/urlthreat"
)

// Input is what the engine needs to evaluate one payout.
type Input struct {
	PayoutID  string
	AgentID   string
	Amount    model.Money
	VendorURL string
}

// Engine evaluates payouts against agent policy, budget, rate limits, and
// vendor reputation, in a fixed order.
type Engine struct {
	policies  *relstore.Store
	budget    atomicstore.Store
	threat    *urlthreat.Client
	rateMax   int
	rateWindowSeconds int
}

// Config configures an Engine.
type Config struct {
	RateLimitMax           int
	RateLimitWindowSeconds int
}

// New constructs an Engine. threat may be nil to skip the URL check (e.g.
// in tests exercising only the budget/policy path).
func New(policies *relstore.Store, budget atomicstore.Store, threat *urlthreat.Client, cfg Config) *Engine {
	rateMax := cfg.RateLimitMax
	if rateMax <= 0 {
		rateMax = 10
	}
	rateWindow := cfg.RateLimitWindowSeconds
	if rateWindow <= 0 {
		rateWindow = 60
	}
	return &Engine{policies: policies, budget: budget, threat: threat, rateMax: rateMax, rateWindowSeconds: rateWindow}
}

// Evaluate runs the ordered governance pipeline for in, returning a
// terminal GovernanceResult. It never panics: any unexpected dependency
// failure degrades to REJECTED/INTERNAL_ERROR rather than propagating.
func (e *Engine) Evaluate(ctx context.Context, in Input) model.GovernanceResult {
	start := time.Now()
	result := e.evaluate(ctx, in)
	result.ProcessingMS = time.Since(start).Milliseconds()

	level := slog.LevelInfo
	if result.Decision == model.Rejected || result.Decision == model.Held {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "governance decision",
		"payout_id", in.PayoutID, "agent_id", in.AgentID, "amount", in.Amount,
		"decision", result.Decision, "reason_code", result.ReasonCode, "processing_ms", result.ProcessingMS)

	return result
}

func (e *Engine) evaluate(ctx context.Context, in Input) model.GovernanceResult {
	reject := func(code model.ReasonCode, detail string) model.GovernanceResult {
		return model.GovernanceResult{
			Decision: model.Rejected, ReasonCode: code, ReasonDetail: detail,
			PayoutID: in.PayoutID, AgentID: in.AgentID, Amount: in.Amount,
		}
	}

	// Step 1: policy lookup.
	policy, err := e.policies.GetAgentPolicy(ctx, in.AgentID)
	if err != nil {
		slog.Error("policy lookup failed", "agent_id", in.AgentID, "error", err)
		return reject(model.ReasonInternalError, fmt.Sprintf("policy lookup failed: %v", err))
	}
	if policy == nil {
		return reject(model.ReasonNoPolicy, fmt.Sprintf("no policy registered for agent %q", in.AgentID))
	}

	// Step 2: per-transaction cap.
	if policy.PerTxnLimit != nil && in.Amount > *policy.PerTxnLimit {
		return reject(model.ReasonTxnLimitExceeded, fmt.Sprintf("amount %d exceeds per-transaction limit %d", in.Amount, *policy.PerTxnLimit))
	}

	// Step 3: rate limit.
	allowed, count, err := e.budget.RateAllow(ctx, in.AgentID, e.rateMax, e.rateWindowSeconds)
	if err != nil {
		slog.Error("rate limit check failed", "agent_id", in.AgentID, "error", err)
		return reject(model.ReasonInternalError, fmt.Sprintf("rate limit check failed: %v", err))
	}
	if !allowed {
		return reject(model.ReasonRateLimited, fmt.Sprintf("agent %q exceeded %d requests in %ds window (count=%d)", in.AgentID, e.rateMax, e.rateWindowSeconds, count))
	}

	// Step 4: budget commit. Budget is tentatively consumed from here on;
	// any later rejection must roll it back explicitly.
	committed, err := e.budget.TrySpend(ctx, in.AgentID, in.Amount, policy.DailyLimit)
	if err != nil {
		slog.Error("budget commit failed", "agent_id", in.AgentID, "error", err)
		return reject(model.ReasonInternalError, fmt.Sprintf("budget commit failed: %v", err))
	}
	if !committed {
		return reject(model.ReasonLimitExceeded, fmt.Sprintf("amount %d would exceed daily limit %d", in.Amount, policy.DailyLimit))
	}

	rollback := func() {
		if err := e.budget.Rollback(ctx, in.AgentID, in.Amount); err != nil {
			slog.Error("budget rollback failed", "agent_id", in.AgentID, "amount", in.Amount, "error", err)
		}
	}

	// Step 5: domain gate.
	domain := extractDomain(in.VendorURL)
	if domainBlocked(domain, policy.BlockedDomains) || domainNotAllowed(domain, policy.AllowedDomains) {
		rollback()
		return reject(model.ReasonDomainBlocked, fmt.Sprintf("vendor domain %q is not permitted by policy", domain))
	}

	// Step 6: URL threat check.
	if e.threat != nil && in.VendorURL != "" {
		threat := e.threat.CheckURL(ctx, in.VendorURL)
		if !threat.Safe {
			rollback()
			res := reject(model.ReasonRiskHigh, fmt.Sprintf("vendor URL flagged: %s", strings.Join(threat.ThreatTypes, ",")))
			res.ThreatTypes = threat.ThreatTypes
			return res
		}
	}

	// Step 7: approval threshold. Budget stays consumed — a HELD payout has
	// reserved its spend until a human resolves it.
	if policy.RequireApprovalAbove != nil && in.Amount > *policy.RequireApprovalAbove {
		return model.GovernanceResult{
			Decision: model.Held, ReasonCode: model.ReasonApprovalRequired,
			ReasonDetail: fmt.Sprintf("amount %d exceeds approval threshold %d", in.Amount, *policy.RequireApprovalAbove),
			PayoutID:     in.PayoutID, AgentID: in.AgentID, Amount: in.Amount,
		}
	}

	// Step 8: approved.
	return model.GovernanceResult{
		Decision: model.Approved, ReasonCode: model.ReasonPolicyOK,
		ReasonDetail: "within policy limits",
		PayoutID:     in.PayoutID, AgentID: in.AgentID, Amount: in.Amount,
	}
}

// extractDomain returns the lowercase host of vendorURL, or "" if it
// doesn't parse — which then fails any non-empty allow-list.
func extractDomain(vendorURL string) string {
	if vendorURL == "" {
		return ""
	}
	u, err := url.Parse(vendorURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func domainBlocked(domain string, blocked []string) bool {
	for _, b := range blocked {
		if strings.EqualFold(domain, b) {
			return true
		}
	}
	return false
}

// domainNotAllowed returns true when an allow-list is configured and domain
// isn't on it. An empty allow-list means "no whitelist" — everything not
// explicitly blocked passes.
func domainNotAllowed(domain string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(domain, a) {
			return false
		}
	}
	return true
}

// RollbackForRejection reverses a previously committed budget spend, used
// when a HELD payout is later rejected by a human reviewer and when the
// egress approve of an APPROVED payout fails.
func RollbackForRejection(ctx context.Context, store atomicstore.Store, agentID string, amount model.Money) error {
	return store.Rollback(ctx, agentID, amount)
}
