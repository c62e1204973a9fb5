package ratelimiter

import (
	"math"
	"sync"
	"time"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

type memoryBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// MemoryLimiter is the in-process counterpart of RedisLimiter. Buckets live
// in a map guarded per entry, so contention stays on the hot bucket only.
// Counters are process-local; use it for single-replica deployments and tests.
type MemoryLimiter struct {
	limits  Limits
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(limits Limits) *MemoryLimiter {
	return &MemoryLimiter{
		limits:  limits,
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) bucket(key string, capacity float64, now time.Time) *memoryBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &memoryBucket{tokens: capacity, lastRefill: now}
		l.buckets[key] = b
	}
	return b
}

// Allow refills the bucket by elapsed time and consumes tokens if available.
func (l *MemoryLimiter) Allow(_ domain.Context, tenant domain.TenantID, resource string, tokens int) (domain.RateDecision, error) {
	cfg, ok := l.limits.Resolve(tenant, resource)
	if !ok {
		return unlimited(), nil
	}
	if tokens <= 0 {
		tokens = 1
	}

	now := l.now().UTC()
	capacity := capacityOf(cfg)
	rate := refillRateOf(cfg)
	b := l.bucket(bucketKey(tenant, resource), capacity, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = math.Min(capacity, b.tokens+elapsed*rate)
	b.lastRefill = now

	cost := float64(tokens)
	if b.tokens >= cost {
		b.tokens -= cost
		return buildDecision(cfg, b.tokens, 0, true, now), nil
	}

	retryAfter := 0.0
	if rate > 0 {
		retryAfter = (cost - b.tokens) / rate
	}
	return buildDecision(cfg, b.tokens, retryAfter, false, now), nil
}

// Info reads the bucket's current level without consuming.
func (l *MemoryLimiter) Info(_ domain.Context, tenant domain.TenantID, resource string) (domain.RateDecision, error) {
	cfg, ok := l.limits.Resolve(tenant, resource)
	if !ok {
		return unlimited(), nil
	}

	now := l.now().UTC()
	capacity := capacityOf(cfg)
	b := l.bucket(bucketKey(tenant, resource), capacity, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(capacity, b.tokens+elapsed*refillRateOf(cfg))
	return buildDecision(cfg, tokens, 0, tokens >= 1, now), nil
}
