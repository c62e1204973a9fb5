// Package ratelimiter provides per-(tenant, resource) token buckets with
// linear refill. The Redis implementation is atomic across replicas via a Lua
// script; the in-memory implementation carries the same semantics for
// single-process deployments and tests.
package ratelimiter

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/fairyhunter13/listing-intake/internal/config"
	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// Limits resolves bucket parameters. Order: tenant override from the YAML
// file, then the file's resource default, then the env-wide default.
type Limits struct {
	Default   config.BucketLimit
	Overrides *config.RateOverrides
}

// Resolve returns the bucket for (tenant, resource). ok=false means the pair
// is unthrottled.
func (l Limits) Resolve(tenant domain.TenantID, resource string) (config.BucketLimit, bool) {
	if b, ok := l.Overrides.Lookup(tenant.String(), resource); ok {
		return b, true
	}
	if l.Default.Limit > 0 && l.Default.Window.Std() > 0 {
		return l.Default, true
	}
	return config.BucketLimit{}, false
}

func capacityOf(b config.BucketLimit) float64 {
	if b.Burst > 0 {
		return float64(b.Burst)
	}
	return float64(b.Limit)
}

func refillRateOf(b config.BucketLimit) float64 {
	return float64(b.Limit) / b.Window.Std().Seconds()
}

func bucketKey(tenant domain.TenantID, resource string) string {
	return fmt.Sprintf("rate:%s:%s", tenant, resource)
}

// unlimited is the decision for pairs without any configured bucket.
func unlimited() domain.RateDecision {
	return domain.RateDecision{Allowed: true}
}

func buildDecision(b config.BucketLimit, tokens, retryAfterSec float64, allowed bool, now time.Time) domain.RateDecision {
	d := domain.RateDecision{
		Allowed:   allowed,
		Limit:     b.Limit,
		Remaining: int(math.Floor(tokens)),
	}
	rate := refillRateOf(b)
	if rate > 0 {
		toFull := (capacityOf(b) - tokens) / rate
		if toFull < 0 {
			toFull = 0
		}
		d.ResetAt = now.Add(time.Duration(toFull * float64(time.Second)))
	}
	if !allowed {
		d.RetryAfter = time.Duration(retryAfterSec * float64(time.Second))
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d
}

func parseLuaFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected lua number type %T", v)
	}
}
