// Package atomicstore implements the race-free budget, rate-limit,
// idempotency, and reputation-cache operations backed by Redis. Every
// operation here either completes as a single atomic server-side script or
// is a single command; none perform a read-modify-write at the application
// level.
package atomicstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the atomic-store contract the governance pipeline depends on.
// Interface-typed so tests can substitute a fake.
type Store interface {
	TrySpend(ctx context.Context, agentID string, amount, dailyLimit int64) (bool, error)
	Rollback(ctx context.Context, agentID string, amount int64) error
	ReadSpend(ctx context.Context, agentID string) (int64, error)
	ClaimIdempotent(ctx context.Context, key string) (bool, error)
	RateAllow(ctx context.Context, agentID string, max int, windowSeconds int) (allowed bool, count int64, err error)
	ReputationGet(ctx context.Context, url string) (string, bool, error)
	ReputationPut(ctx context.Context, url, value string, ttl time.Duration) error
	PushTransactionHistory(ctx context.Context, agentID string, entry string) error
	TransactionHistory(ctx context.Context, agentID string) ([]string, error)
}

// budgetTTL covers a full day plus timezone slack, matching the original
// implementation's 25h window.
const budgetTTL = 25 * time.Hour

// idempotencyTTL is the window within which a duplicate event is dropped.
const idempotencyTTL = 48 * time.Hour

// historyCapacity and historyTTL bound the per-agent transaction history
// the anomaly scorer reads from.
const (
	historyCapacity = 1000
	historyTTL      = 7 * 24 * time.Hour
)

// budgetLua performs the check-and-increment atomically: it reads the
// current spend, verifies headroom, and only then increments and refreshes
// the TTL — never two round trips, so concurrent callers can't both pass
// the check before either has written.
var budgetLua = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + amount > limit then
	return 0
end
redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// rateLimitLua implements a sliding-window counter with a per-agent sorted
// set keyed by request timestamp: trim anything older than the window,
// count what remains, and conditionally admit the new request — all in one
// script so the count-then-add can't race.
var rateLimitLua = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
	return {0, count}
end
redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window)
return {1, count + 1}
`)

// RedisStore is the production Store backed by go-redis/v9.
type RedisStore struct {
	rdb *redis.Client
}

// New creates a RedisStore from a redis:// URL.
func New(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opts)}, nil
}

func budgetKey(agentID string) string {
	return fmt.Sprintf("vyapaar:budget:%s:%s", agentID, time.Now().UTC().Format("20060102"))
}

func rateLimitKey(agentID string) string {
	return fmt.Sprintf("vyapaar:ratelimit:%s", agentID)
}

func idempotencyKey(key string) string {
	return "vyapaar:idempotent:" + key
}

func reputationKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "vyapaar:reputation:" + hex.EncodeToString(sum[:])[:16]
}

func historyKey(agentID string) string {
	return "vyapaar:history:" + agentID
}

// TrySpend atomically checks and commits a budget increment.
func (s *RedisStore) TrySpend(ctx context.Context, agentID string, amount, dailyLimit int64) (bool, error) {
	res, err := budgetLua.Run(ctx, s.rdb, []string{budgetKey(agentID)}, amount, dailyLimit, int(budgetTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("try_spend: %w", err)
	}
	return res == 1, nil
}

// Rollback unconditionally decrements today's committed budget.
func (s *RedisStore) Rollback(ctx context.Context, agentID string, amount int64) error {
	if err := s.rdb.DecrBy(ctx, budgetKey(agentID), amount).Err(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// ReadSpend returns today's committed spend, for reporting only.
func (s *RedisStore) ReadSpend(ctx context.Context, agentID string) (int64, error) {
	v, err := s.rdb.Get(ctx, budgetKey(agentID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read_spend: %w", err)
	}
	return v, nil
}

// ClaimIdempotent atomically marks key as seen; true means this is the
// first observer.
func (s *RedisStore) ClaimIdempotent(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, idempotencyKey(key), "processed", idempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim_idempotent: %w", err)
	}
	return ok, nil
}

// RateAllow applies the sliding-window limiter for agentID.
func (s *RedisStore) RateAllow(ctx context.Context, agentID string, max int, windowSeconds int) (bool, int64, error) {
	res, err := rateLimitLua.Run(ctx, s.rdb, []string{rateLimitKey(agentID)}, time.Now().UnixMilli(), windowSeconds*1000, max).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate_allow: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate_allow: unexpected script result %v", res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	return allowed == 1, count, nil
}

// ReputationGet reads a cached reputation value, if present.
func (s *RedisStore) ReputationGet(ctx context.Context, url string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, reputationKey(url)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reputation_get: %w", err)
	}
	return v, true, nil
}

// ReputationPut caches a reputation value for ttl.
func (s *RedisStore) ReputationPut(ctx context.Context, url, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, reputationKey(url), value, ttl).Err(); err != nil {
		return fmt.Errorf("reputation_put: %w", err)
	}
	return nil
}

// PushTransactionHistory records one transaction for the anomaly scorer,
// bounding the per-agent list to historyCapacity entries.
func (s *RedisStore) PushTransactionHistory(ctx context.Context, agentID string, entry string) error {
	key := historyKey(agentID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, historyCapacity-1)
	pipe.Expire(ctx, key, historyTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("push_transaction_history: %w", err)
	}
	return nil
}

// TransactionHistory returns the agent's recent transaction entries,
// newest first.
func (s *RedisStore) TransactionHistory(ctx context.Context, agentID string) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, historyKey(agentID), 0, historyCapacity-1).Result()
	if err != nil {
		return nil, fmt.Errorf("transaction_history: %w", err)
	}
	return vals, nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
