package app

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal Redis surface needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// KafkaPinger is the minimal broker surface needed for readiness; the
// franz-go client satisfies it directly.
type KafkaPinger interface{ Ping(ctx context.Context) error }

// GoRedis adapts a go-redis client to RedisClient; the concrete Ping return
// type does not satisfy the interface on its own.
type GoRedis struct{ C *redis.Client }

// Ping implements RedisClient.
func (g GoRedis) Ping(ctx context.Context) RedisPingResult { return g.C.Ping(ctx) }

// BuildReadinessChecks returns the postgres, redis and kafka probes backing
// the readiness endpoint. A nil dependency yields a failing check rather than
// a panic so a partially wired process reports itself degraded.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, broker KafkaPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("postgres not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	kafkaCheck := func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("kafka not configured")
		}
		return broker.Ping(ctx)
	}
	return dbCheck, redisCheck, kafkaCheck
}
