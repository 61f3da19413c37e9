// Package main implements vyapaard, the governance server daemon sitting
// between AI payout agents and the payment provider: it ingests payout
// candidates (webhook or poll), evaluates them against agent policy, and
// exposes human approval workflows for HELD transactions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vyapaar/internal/anomaly"
	"vyapaar/internal/approval"
	"vyapaar/internal/atomicstore"
	"vyapaar/internal/auditlog"
	"vyapaar/internal/breaker"
	"vyapaar/internal/config"
	"vyapaar/internal/governance"
	"vyapaar/internal/logging"
	"vyapaar/internal/metrics"
	"vyapaar/internal/model"
	"vyapaar/internal/notify"
	"vyapaar/internal/poller"
	"vyapaar/internal/provider"
	"vyapaar/internal/relstore"
	"vyapaar/internal/reputation/legalentity"
	"vyapaar/internal/reputation/urlthreat"
	"vyapaar/internal/webhook"
)

func main() {
	logging.InitLogging(os.Args[1:])

	cfg := config.MustLoad()

	relational, err := relstore.Open(cfg.RelationalDSN)
	if err != nil {
		slog.Error("failed to open relational store", "error", err)
		os.Exit(1)
	}
	defer relational.Close()

	budget, err := atomicstore.New(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer budget.Close()

	approvals, err := approval.NewStore(relational.DB())
	if err != nil {
		slog.Error("failed to create approval store", "error", err)
		os.Exit(1)
	}

	auditWriter, err := auditlog.NewWriter(relational, auditlog.Config{
		FallbackDir: cfg.AuditFallbackDir,
		SocketPath:  cfg.AuditSocketPath,
	})
	if err != nil {
		slog.Error("failed to create audit writer", "error", err)
		os.Exit(1)
	}
	defer auditWriter.Close()

	threat := urlthreat.New(cfg.SafeBrowsingAPIKey, cfg.SafeBrowsingAPIURL, budget)
	legal := legalentity.New(cfg.GLEIFAPIURL, budget)
	anomalyScorer := anomaly.New(budget, cfg.AnomalyRiskThreshold)

	engine := governance.New(relational, budget, threat, governance.Config{
		RateLimitMax:           cfg.RateLimitMax,
		RateLimitWindowSeconds: cfg.RateLimitWindowSec,
	})

	notifier := notify.New(notify.Config{
		ChatWebhookURL:    cfg.ChatWebhookURL,
		ChatSigningSecret: cfg.ChatSigningSecret,
		PushTopic:         cfg.PushTopic,
		PushServerURL:     cfg.PushServerURL,
		PushAuthToken:     cfg.PushAuthToken,
	})

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(promReg)

	providerBreaker := breaker.New(breaker.Config{
		Name:             "provider",
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	})

	var bridge *provider.Bridge
	var bgPoller *poller.Poller
	if cfg.ProviderBinary != "" {
		bridge, err = provider.New(provider.Config{
			Command: cfg.ProviderBinary,
			Env: append(os.Environ(),
				"RAZORPAY_KEY_ID="+cfg.RazorpayKeyID,
				"RAZORPAY_KEY_SECRET="+cfg.RazorpayKeySecret,
			),
		}, providerBreaker)
		if err != nil {
			slog.Warn("provider bridge unavailable, egress/poll disabled", "error", err)
			bridge = nil
		} else {
			defer bridge.Close()
			bgPoller = poller.New(bridge, budget, time.Duration(cfg.PollIntervalSeconds)*time.Second, metricsRegistry)
		}
	}

	srv := &server{
		engine:            engine,
		relational:        relational,
		budget:            budget,
		approvals:         approvals,
		auditWriter:       auditWriter,
		notifier:          notifier,
		metrics:           metricsRegistry,
		webhookSecret:     cfg.WebhookSecret,
		chatSigningSecret: cfg.ChatSigningSecret,
		bridge:            bridge,
		poller:            bgPoller,
		legal:             legal,
		threat:            threat,
		anomaly:           anomalyScorer,
		providerBreaker:   providerBreaker,
		startTime:         time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/webhooks/razorpay", srv.handleWebhook)
	mux.HandleFunc("POST /v1/payouts/evaluate", srv.handleEvaluate)
	mux.HandleFunc("POST /v1/payouts/poll", srv.handlePollPayouts)
	mux.HandleFunc("GET /v1/policies/{agentID}", srv.handleGetPolicy)
	mux.HandleFunc("PUT /v1/policies/{agentID}", srv.handlePutPolicy)
	mux.HandleFunc("GET /v1/approvals", srv.handleListApprovals)
	mux.HandleFunc("GET /v1/approvals/{approvalID}", srv.handleGetApproval)
	mux.HandleFunc("GET /v1/approvals/{approvalID}/wait", srv.handleWaitApproval)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/approve", srv.handleApprove)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/deny", srv.handleDeny)
	mux.HandleFunc("POST /v1/slack/actions", srv.handleSlackAction)
	mux.HandleFunc("GET /v1/audit/verify", srv.handleVerifyAudit)
	mux.HandleFunc("GET /v1/audit/logs", srv.handleAuditLog)
	mux.HandleFunc("GET /v1/reputation/legal-entity", srv.handleLegalEntity)
	mux.HandleFunc("GET /v1/reputation/vendor", srv.handleCheckVendorReputation)
	mux.HandleFunc("POST /v1/anomaly/score", srv.handleAnomalyScore)
	mux.HandleFunc("GET /v1/agents/{agentID}/risk-profile", srv.handleRiskProfile)
	mux.HandleFunc("GET /v1/budget/{agentID}", srv.handleGetBudget)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", srv.handleHealth)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := approvals.ExpirePending(ctx); err != nil {
					slog.Error("expire approvals worker failed", "error", err)
				} else if n > 0 {
					slog.Info("expired stale approvals", "count", n)
				}
			}
		}
	}()

	if cfg.AutoPoll && bgPoller != nil {
		go bgPoller.Run(ctx, func(ctx context.Context, payout model.PayoutEntity, agentID, vendorURL string) {
			srv.evaluateAndRecord(ctx, payout, agentID, vendorURL, "poll")
		})
		go func() {
			<-ctx.Done()
			bgPoller.Stop()
		}()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down vyapaard...")
		cancel()
		httpServer.Shutdown(context.Background()) //nolint:errcheck
	}()

	slog.Info("vyapaard starting", "listen", cfg.ListenAddr, "auto_poll", cfg.AutoPoll)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("vyapaard stopped")
}

type server struct {
	engine            *governance.Engine
	relational        *relstore.Store
	budget            atomicstore.Store
	approvals         *approval.Store
	auditWriter       *auditlog.Writer
	notifier          notify.Notifier
	metrics           *metrics.Registry
	webhookSecret     string
	chatSigningSecret string
	bridge            *provider.Bridge
	poller            *poller.Poller
	legal             *legalentity.Client
	threat            *urlthreat.Client
	anomaly           *anomaly.Scorer
	providerBreaker   *breaker.Breaker
	startTime         time.Time
}

// evaluateAndRecord runs the governance pipeline on one candidate payout,
// persists the audit trail, commits the egress action (or opens a human
// approval), and notifies configured channels — shared by the webhook,
// poller, and direct-evaluate entry points.
func (s *server) evaluateAndRecord(ctx context.Context, payout model.PayoutEntity, agentID, vendorURL, source string) model.GovernanceResult {
	result := s.engine.Evaluate(ctx, governance.Input{
		PayoutID:  payout.ID,
		AgentID:   agentID,
		Amount:    payout.Amount,
		VendorURL: vendorURL,
	})
	s.metrics.RecordDecision(string(result.Decision), string(result.ReasonCode), result.ProcessingMS)
	if result.ReasonCode == model.ReasonRateLimited {
		s.metrics.RateLimited.Inc()
	}

	entry := model.AuditEntry{
		GovernanceResult: result,
		VendorURL:        vendorURL,
		CreatedAt:        time.Now(),
	}
	if err := s.auditWriter.Record(ctx, entry); err != nil {
		slog.Error("failed to record audit entry", "payout_id", payout.ID, "error", err)
	}

	switch result.Decision {
	case model.Approved:
		if s.bridge != nil {
			if err := s.bridge.Approve(ctx, payout.ID); err != nil {
				slog.Error("egress approve failed, rolling back", "payout_id", payout.ID, "error", err)
				if rbErr := governance.RollbackForRejection(ctx, s.budget, agentID, payout.Amount); rbErr != nil {
					slog.Error("rollback after egress failure also failed", "payout_id", payout.ID, "error", rbErr)
				}
			}
		}
	case model.Rejected:
		if s.bridge != nil {
			if err := s.bridge.Cancel(ctx, payout.ID, string(result.ReasonCode)); err != nil {
				slog.Error("egress cancel failed", "payout_id", payout.ID, "error", err)
			}
		}
	case model.Held:
		req, err := s.approvals.Create(ctx, payout.ID, agentID, payout.Amount, 24*time.Hour)
		if err != nil {
			slog.Error("failed to create approval request", "payout_id", payout.ID, "error", err)
		} else {
			s.notifier.NotifyHeld(req)
		}
	}

	slog.Info("governance evaluation complete",
		"source", source, "payout_id", payout.ID, "decision", result.Decision, "reason_code", result.ReasonCode)
	return result
}

func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 2*1024*1024))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.Verify(body, r.Header.Get("X-Razorpay-Signature"), s.webhookSecret)
	if err != nil {
		if verr, ok := err.(*webhook.ValidationError); ok && verr.Code == "INVALID_SIGNATURE" {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if event.Event != "payout.queued" {
		slog.Debug("webhook event skipped", "event", event.Event, "payout_id", event.Payload.Payout.Entity.ID)
		skipped := model.GovernanceResult{
			Decision: model.Skipped, ReasonCode: model.ReasonUnsupportedEvent,
			ReasonDetail: "unsupported event type " + event.Event,
			PayoutID:     event.Payload.Payout.Entity.ID,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(skipped) //nolint:errcheck
		return
	}

	isNew, err := s.budget.ClaimIdempotent(r.Context(), event.IdempotencyKey())
	if err != nil {
		slog.Error("idempotency claim failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !isNew {
		slog.Debug("duplicate webhook event skipped", "idempotency_key", event.IdempotencyKey())
		s.metrics.IdempotentSkip.Inc()
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"}) //nolint:errcheck
		return
	}

	entity := event.Payload.Payout.Entity
	agentID := model.NotesAgentID(entity.Notes)
	vendorURL := model.NotesVendorURL(entity.Notes)

	result := s.evaluateAndRecord(r.Context(), entity, agentID, vendorURL, "webhook")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result) //nolint:errcheck
}

type evaluateRequest struct {
	PayoutID  string `json:"payout_id"`
	AgentID   string `json:"agent_id"`
	Amount    int64  `json:"amount"`
	VendorURL string `json:"vendor_url"`
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	entity := model.PayoutEntity{
		ID:     req.PayoutID,
		Amount: req.Amount,
		Notes:  map[string]any{"agent_id": req.AgentID, "vendor_url": req.VendorURL},
	}
	result := s.evaluateAndRecord(r.Context(), entity, req.AgentID, req.VendorURL, "direct")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result) //nolint:errcheck
}

func (s *server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.relational.GetAgentPolicy(r.Context(), r.PathValue("agentID"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(policy) //nolint:errcheck
}

func (s *server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")

	spent, err := s.budget.ReadSpend(r.Context(), agentID)
	if err != nil {
		slog.Error("failed to read spend", "agent_id", agentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var dailyLimit int64
	if policy, err := s.relational.GetAgentPolicy(r.Context(), agentID); err == nil {
		dailyLimit = policy.DailyLimit
	}

	remaining := dailyLimit - spent
	if remaining < 0 {
		remaining = 0
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"agent_id":    agentID,
		"spent_today": spent,
		"daily_limit": dailyLimit,
		"remaining":   remaining,
	})
}

func (s *server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.AgentPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	p.AgentID = r.PathValue("agentID")
	if err := s.relational.UpsertAgentPolicy(r.Context(), p); err != nil {
		slog.Error("failed to upsert policy", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	opts := approval.ListOptions{
		Status:  r.URL.Query().Get("status"),
		AgentID: r.URL.Query().Get("agent_id"),
		Limit:   100,
	}
	reqs, err := s.approvals.List(r.Context(), opts)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reqs) //nolint:errcheck
}

func (s *server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Get(r.Context(), r.PathValue("approvalID"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req) //nolint:errcheck
}

func (s *server) handleWaitApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.WaitForResolution(r.Context(), r.PathValue("approvalID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req) //nolint:errcheck
}

type resolveRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *server) resolveApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	approvalID := r.PathValue("approvalID")
	var req resolveRequest
	json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck

	if _, err := s.finalizeApproval(r.Context(), approvalID, req.ActorID, req.Reason, approve); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// finalizeApproval resolves a pending approval — whether triggered by the
// HTTP approve/deny API or an inbound chat action — rolling back budget on
// rejection, triggering egress on approval, notifying, and recording the
// audit entry. Returns the resolved request, or an error only when the
// status transition itself failed (already resolved, unknown ID).
func (s *server) finalizeApproval(ctx context.Context, approvalID, actorID, reason string, approve bool) (*approval.Request, error) {
	var err error
	if approve {
		err = s.approvals.Approve(ctx, approvalID, actorID, reason)
	} else {
		err = s.approvals.Deny(ctx, approvalID, actorID, reason)
	}
	if err != nil {
		return nil, err
	}

	resolved, getErr := s.approvals.Get(ctx, approvalID)
	if getErr != nil {
		return nil, nil
	}

	s.notifier.NotifyResolved(resolved)

	reasonCode := model.ReasonHumanApproved
	decision := model.Approved
	if !approve {
		reasonCode = model.ReasonHumanRejected
		decision = model.Rejected
		if rbErr := governance.RollbackForRejection(ctx, s.budget, resolved.AgentID, resolved.Amount); rbErr != nil {
			slog.Error("rollback after human rejection failed", "approval_id", approvalID, "error", rbErr)
		}
	} else if s.bridge != nil {
		if egErr := s.bridge.Approve(ctx, resolved.PayoutID); egErr != nil {
			slog.Error("egress approve after human approval failed", "approval_id", approvalID, "error", egErr)
		}
	}

	auditEntry := model.AuditEntry{
		GovernanceResult: model.GovernanceResult{
			Decision:     decision,
			ReasonCode:   reasonCode,
			ReasonDetail: reason,
			PayoutID:     resolved.PayoutID,
			AgentID:      resolved.AgentID,
			Amount:       resolved.Amount,
		},
		CreatedAt: time.Now(),
	}
	if err := s.auditWriter.Record(ctx, auditEntry); err != nil {
		slog.Error("failed to record human-resolution audit entry", "approval_id", approvalID, "error", err)
	}
	return resolved, nil
}

// handleSlackAction handles an inbound interactive chat action
// (handle_slack_action): a signed callback naming a payout_id rather than an
// approval_id, resolved through the same finalizeApproval tail as the HTTP
// approve/deny endpoints.
func (s *server) handleSlackAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if s.chatSigningSecret != "" && !notify.VerifyCallback(s.chatSigningSecret, body, r.Header.Get("X-Signature")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	action, err := notify.ParseCallback(body, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pending, err := s.approvals.GetPendingByPayoutID(r.Context(), action.PayoutID)
	if err != nil {
		http.Error(w, "no pending approval for payout", http.StatusNotFound)
		return
	}

	reason := fmt.Sprintf("via slack action by %s", action.UserName)
	if _, err := s.finalizeApproval(r.Context(), pending.ApprovalID, action.UserName, reason, action.ActionID == "approve"); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"status":      "ok",
		"approval_id": pending.ApprovalID,
		"payout_id":   action.PayoutID,
	})
}

func (s *server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	status, err := s.auditWriter.VerifyIntegrity(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status) //nolint:errcheck
}

func (s *server) handleLegalEntity(w http.ResponseWriter, r *http.Request) {
	var resp legalentity.Response
	if lei := r.URL.Query().Get("lei"); lei != "" {
		resp = s.legal.SearchByLEI(r.Context(), lei)
	} else {
		resp = s.legal.SearchEntity(r.Context(), r.URL.Query().Get("name"))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// handleCheckVendorReputation backs check_vendor_reputation: an on-demand
// URL threat lookup outside the governance pipeline, e.g. for an agent
// vetting a vendor before ever submitting a payout.
func (s *server) handleCheckVendorReputation(w http.ResponseWriter, r *http.Request) {
	vendorURL := r.URL.Query().Get("url")
	if vendorURL == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	result := s.threat.CheckURL(r.Context(), vendorURL)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"url":          vendorURL,
		"safe":         result.Safe,
		"threat_types": result.ThreatTypes,
	})
}

// handleRiskProfile backs get_agent_risk_profile.
func (s *server) handleRiskProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.anomaly.RiskProfile(r.Context(), r.PathValue("agentID"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile) //nolint:errcheck
}

// handleAuditLog backs get_audit_log, filtering by agent_id/payout_id with
// an optional result-count limit.
func (s *server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	opts := relstore.AuditQueryOptions{
		AgentID:  r.URL.Query().Get("agent_id"),
		PayoutID: r.URL.Query().Get("payout_id"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			opts.Limit = limit
		}
	}

	entries, err := s.relational.GetAuditLogs(r.Context(), opts)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries) //nolint:errcheck
}

// handlePollPayouts backs poll_razorpay_payouts: an on-demand single poll
// cycle, independent of the AutoPoll background loop, for callers that want
// synchronous confirmation that the queue was drained.
func (s *server) handlePollPayouts(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		http.Error(w, "provider bridge not configured", http.StatusServiceUnavailable)
		return
	}

	accountNumber := r.URL.Query().Get("account_number")
	queued, err := s.poller.PollNow(r.Context(), accountNumber)
	if err != nil {
		slog.Error("on-demand poll failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	decisions := make([]model.GovernanceResult, 0, len(queued))
	for _, qp := range queued {
		entity, agentID, vendorURL := poller.EntityFromQueued(qp)
		decisions = append(decisions, s.evaluateAndRecord(r.Context(), entity, agentID, vendorURL, "poll"))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"count":     len(decisions),
		"decisions": decisions,
	})
}

type anomalyRequest struct {
	AgentID string `json:"agent_id"`
	Amount  int64  `json:"amount"`
}

func (s *server) handleAnomalyScore(w http.ResponseWriter, r *http.Request) {
	var req anomalyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	score := s.anomaly.ScoreTransaction(r.Context(), req.AgentID, req.Amount, time.Now())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(score) //nolint:errcheck
}

// handleHealth backs health_check: per-dependency status, process uptime,
// and a circuit-breaker snapshot for every external dependency the
// governance pipeline can trip a breaker on.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{"database": "ok"}
	status := http.StatusOK

	if err := s.relational.DB().PingContext(r.Context()); err != nil {
		deps["database"] = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}

	if s.bridge != nil {
		if s.bridge.Healthy() {
			deps["provider"] = "ok"
		} else {
			deps["provider"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	} else {
		deps["provider"] = "disabled"
	}

	breakers := make([]breaker.Snapshot, 0, 3)
	if s.providerBreaker != nil {
		breakers = append(breakers, s.providerBreaker.Snapshot())
	}
	if s.threat != nil {
		breakers = append(breakers, s.threat.Breaker().Snapshot())
	}
	if s.legal != nil {
		breakers = append(breakers, s.legal.Breaker().Snapshot())
	}
	for _, snap := range breakers {
		s.metrics.RecordBreakerState(snap.Name, string(snap.State))
		if snap.State != breaker.Closed {
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":         overall,
		"dependencies":   deps,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"breakers":       breakers,
	})
}
