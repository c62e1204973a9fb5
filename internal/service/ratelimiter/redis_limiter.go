package ratelimiter

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/listing-intake/internal/config"
	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// RedisLimiter enforces buckets in Redis so every replica sees the same
// counters. Refill and consume happen inside one Lua script; concurrent
// callers on the same bucket serialize on the script execution.
type RedisLimiter struct {
	client     *redis.Client
	script     *redis.Script
	limits     Limits
	failClosed bool
}

// NewRedisLimiter builds a limiter over rdb. failClosed selects the policy
// for backend outages: false allows the request (default), true denies it.
func NewRedisLimiter(rdb *redis.Client, limits Limits, failClosed bool) *RedisLimiter {
	return &RedisLimiter{
		client:     rdb,
		script:     redis.NewScript(luaTokenBucket),
		limits:     limits,
		failClosed: failClosed,
	}
}

// Fractional values travel back as strings; Redis truncates Lua numbers to
// integers in replies.
const luaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, ttl)

return { allowed, tostring(tokens), tostring(retry_after) }
`

// Allow refills the (tenant, resource) bucket, consumes tokens if available,
// and reports the resulting decision.
func (l *RedisLimiter) Allow(ctx domain.Context, tenant domain.TenantID, resource string, tokens int) (domain.RateDecision, error) {
	cfg, ok := l.limits.Resolve(tenant, resource)
	if !ok {
		return unlimited(), nil
	}
	if tokens <= 0 {
		tokens = 1
	}

	now := time.Now().UTC()
	nowSec := float64(now.UnixNano()) / 1e9
	ttl := int(cfg.Window.Std().Seconds()) * 2
	if ttl < 1 {
		ttl = 1
	}

	res, err := l.script.Run(ctx, l.client,
		[]string{bucketKey(tenant, resource)},
		capacityOf(cfg), refillRateOf(cfg), nowSec, tokens, ttl,
	).Result()
	if err != nil {
		return l.failDecision(cfg, resource, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Warn("rate limiter script returned unexpected shape",
			slog.String("resource", resource))
		return l.failDecision(cfg, resource, nil)
	}

	allowedFlag, err := parseLuaFloat(vals[0])
	if err != nil {
		return l.failDecision(cfg, resource, err)
	}
	remaining, err := parseLuaFloat(vals[1])
	if err != nil {
		return l.failDecision(cfg, resource, err)
	}
	retryAfter, err := parseLuaFloat(vals[2])
	if err != nil {
		return l.failDecision(cfg, resource, err)
	}

	return buildDecision(cfg, remaining, retryAfter, allowedFlag == 1, now), nil
}

// Info reads the bucket without consuming. The read is not atomic with
// concurrent Allow calls; the numbers are advisory header material.
func (l *RedisLimiter) Info(ctx domain.Context, tenant domain.TenantID, resource string) (domain.RateDecision, error) {
	cfg, ok := l.limits.Resolve(tenant, resource)
	if !ok {
		return unlimited(), nil
	}

	now := time.Now().UTC()
	vals, err := l.client.HMGet(ctx, bucketKey(tenant, resource), "tokens", "last_refill").Result()
	if err != nil {
		return l.failDecision(cfg, resource, err)
	}

	tokens := capacityOf(cfg)
	lastRefill := float64(now.UnixNano()) / 1e9
	if len(vals) >= 2 && vals[0] != nil && vals[1] != nil {
		if t, pErr := parseLuaFloat(vals[0]); pErr == nil {
			tokens = t
		}
		if r, pErr := parseLuaFloat(vals[1]); pErr == nil {
			lastRefill = r
		}
	}

	elapsed := float64(now.UnixNano())/1e9 - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(capacityOf(cfg), tokens+elapsed*refillRateOf(cfg))
	return buildDecision(cfg, tokens, 0, tokens >= 1, now), nil
}

// failDecision applies the outage policy. Open: allow and log. Closed: deny
// and surface the error so the caller maps it to an unavailability response.
func (l *RedisLimiter) failDecision(cfg config.BucketLimit, resource string, cause error) (domain.RateDecision, error) {
	if l.failClosed {
		d := domain.RateDecision{Allowed: false, Limit: cfg.Limit, RetryAfter: cfg.Window.Std()}
		if cause == nil {
			cause = domain.ErrStorageUnavailable
		}
		return d, fmt.Errorf("op=ratelimit.allow: %w", cause)
	}
	slog.Warn("rate limiter backend unavailable, failing open",
		slog.String("resource", resource), slog.Any("error", cause))
	return domain.RateDecision{Allowed: true, Limit: cfg.Limit, Remaining: cfg.Limit}, nil
}
