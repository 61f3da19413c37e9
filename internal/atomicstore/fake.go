package atomicstore

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Store used by tests that exercise callers of the
// atomic store without a real Redis instance. Its TrySpend/RateAllow
// semantics mirror the Lua scripts in store.go exactly.
type Fake struct {
	mu         sync.Mutex
	spend      map[string]int64
	idempotent map[string]time.Time
	reqTimes   map[string][]time.Time
	reputation map[string]string
	history    map[string][]string
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		spend:      make(map[string]int64),
		idempotent: make(map[string]time.Time),
		reqTimes:   make(map[string][]time.Time),
		reputation: make(map[string]string),
		history:    make(map[string][]string),
	}
}

func (f *Fake) TrySpend(_ context.Context, agentID string, amount, dailyLimit int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.spend[agentID]
	if current+amount > dailyLimit {
		return false, nil
	}
	f.spend[agentID] = current + amount
	return true, nil
}

func (f *Fake) Rollback(_ context.Context, agentID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spend[agentID] -= amount
	return nil
}

func (f *Fake) ReadSpend(_ context.Context, agentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spend[agentID], nil
}

func (f *Fake) ClaimIdempotent(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exp, ok := f.idempotent[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	f.idempotent[key] = time.Now().Add(idempotencyTTL)
	return true, nil
}

func (f *Fake) RateAllow(_ context.Context, agentID string, max int, windowSeconds int) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	window := time.Duration(windowSeconds) * time.Second
	times := f.reqTimes[agentID]
	kept := times[:0]
	for _, t := range times {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		f.reqTimes[agentID] = kept
		return false, int64(len(kept)), nil
	}
	kept = append(kept, now)
	f.reqTimes[agentID] = kept
	return true, int64(len(kept)), nil
}

func (f *Fake) ReputationGet(_ context.Context, url string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.reputation[url]
	return v, ok, nil
}

func (f *Fake) ReputationPut(_ context.Context, url, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reputation[url] = value
	return nil
}

func (f *Fake) PushTransactionHistory(_ context.Context, agentID string, entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := append([]string{entry}, f.history[agentID]...)
	if len(h) > historyCapacity {
		h = h[:historyCapacity]
	}
	f.history[agentID] = h
	return nil
}

func (f *Fake) TransactionHistory(_ context.Context, agentID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.history[agentID]))
	copy(out, f.history[agentID])
	return out, nil
}

var _ Store = (*Fake)(nil)
