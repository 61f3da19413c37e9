// Package poller continuously polls the payment provider for queued
// payouts as an alternative ingress path to webhooks, deduplicating
// against the same idempotency store webhooks use. Grounded on the
// original's ingress/polling.py.
package poller

import (
	"context"
	"log/slog"
	"time"

	"vyapaar/internal/atomicstore"
	"vyapaar/internal/metrics"
	"vyapaar/internal/model"
	"vyapaar/internal/provider"
)

const (
	// MinInterval and MaxInterval clamp the configured poll interval.
	MinInterval = 5 * time.Second
	MaxInterval = 300 * time.Second

	errorBackoffBase = 5 * time.Second
	errorBackoffMax  = 120 * time.Second
)

// Handler processes one newly observed queued payout.
type Handler func(ctx context.Context, payout model.PayoutEntity, agentID, vendorURL string)

// Poller polls a provider.Bridge on an interval, deduplicates against an
// idempotency store, and invokes a Handler for every genuinely new payout.
type Poller struct {
	bridge   *provider.Bridge
	idem     atomicstore.Store
	interval time.Duration
	metrics  *metrics.Registry

	errorCount     int
	totalProcessed int
	stopCh         chan struct{}
}

// New constructs a Poller. interval is clamped to [MinInterval, MaxInterval].
func New(bridge *provider.Bridge, idem atomicstore.Store, interval time.Duration, m *metrics.Registry) *Poller {
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return &Poller{
		bridge:   bridge,
		idem:     idem,
		interval: interval,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// EntityFromQueued translates a polled payout into the model's
// PayoutEntity plus its notes-derived agent_id and vendor_url — the same
// translation webhook ingestion performs on payload.payout.entity — so
// polled and webhook-ingested payouts receive identical policy checks.
func EntityFromQueued(qp provider.QueuedPayout) (entity model.PayoutEntity, agentID, vendorURL string) {
	entity = model.PayoutEntity{
		ID:            qp.ID,
		Amount:        qp.Amount,
		Currency:      qp.Currency,
		Status:        model.PayoutStatus(qp.Status),
		FundAccountID: qp.FundAccountID,
		Notes:         qp.Notes,
	}
	return entity, model.NotesAgentID(qp.Notes), model.NotesVendorURL(qp.Notes)
}

// pollOnce fetches every queued payout page for accountNumber (empty means
// all accounts), drops duplicates via the shared idempotency store, and
// returns only payouts not yet seen.
func (p *Poller) pollOnce(ctx context.Context, accountNumber string) ([]provider.QueuedPayout, error) {
	var all []provider.QueuedPayout
	cursor := ""
	for {
		page, next, err := p.bridge.FetchQueuedPayouts(ctx, cursor, accountNumber)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	var fresh []provider.QueuedPayout
	for _, qp := range all {
		key := "poll:payout.queued:" + qp.ID
		isNew, err := p.idem.ClaimIdempotent(ctx, key)
		if err != nil {
			slog.Error("poller: idempotency claim failed", "payout_id", qp.ID, "error", err)
			continue
		}
		if !isNew {
			if p.metrics != nil {
				p.metrics.IdempotentSkip.Inc()
			}
			continue
		}
		fresh = append(fresh, qp)
	}
	return fresh, nil
}

// backoffInterval returns the interval for the next poll cycle, widening
// exponentially after consecutive errors and resetting once a cycle
// succeeds.
func (p *Poller) backoffInterval() time.Duration {
	if p.errorCount == 0 {
		return p.interval
	}
	backoff := errorBackoffBase
	for i := 0; i < p.errorCount-1 && backoff < errorBackoffMax; i++ {
		backoff *= 2
	}
	if backoff > errorBackoffMax {
		backoff = errorBackoffMax
	}
	return backoff
}

// Run polls continuously until ctx is cancelled or Stop is called. The
// stop signal is only honoured between poll cycles (cooperative), never
// mid-fetch.
func (p *Poller) Run(ctx context.Context, handle Handler) {
	slog.Info("poller starting", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		fresh, err := p.pollOnce(ctx, "")
		if p.metrics != nil {
			p.metrics.PollCycles.Inc()
		}
		if err != nil {
			p.errorCount++
			if p.metrics != nil {
				p.metrics.PollErrors.Inc()
			}
			slog.Error("poller: fetch failed, applying backoff", "attempt", p.errorCount, "error", err)
		} else {
			p.errorCount = 0
			for _, qp := range fresh {
				p.totalProcessed++
				entity, agentID, vendorURL := EntityFromQueued(qp)
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("poller: handler panicked", "payout_id", qp.ID, "recovered", r)
						}
					}()
					handle(ctx, entity, agentID, vendorURL)
				}()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(p.backoffInterval()):
		}
	}
}

// PollNow runs a single poll cycle immediately, independent of the
// background ticker in Run, for the on-demand poll_razorpay_payouts tool.
// Deduplicates against the same idempotency store the background loop uses,
// so an on-demand poll never reprocesses a payout Run already claimed.
func (p *Poller) PollNow(ctx context.Context, accountNumber string) ([]provider.QueuedPayout, error) {
	return p.pollOnce(ctx, accountNumber)
}

// Stop signals the poller to exit after its current cycle.
func (p *Poller) Stop() {
	close(p.stopCh)
}

// Stats reports the poller's running counters, useful for an operator
// status endpoint.
type Stats struct {
	ErrorCount      int
	TotalProcessed  int
	CurrentInterval time.Duration
}

// Stats returns a snapshot of the poller's counters.
func (p *Poller) Stats() Stats {
	return Stats{
		ErrorCount:      p.errorCount,
		TotalProcessed:  p.totalProcessed,
		CurrentInterval: p.backoffInterval(),
	}
}
