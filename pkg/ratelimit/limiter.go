// Package ratelimit implements the Rate Limiter (C6): a token bucket per
// remote IP, partitioned by endpoint class, refilled continuously.
//
// The bucket state lives in Redis and every check-and-consume is one Lua
// script invocation, atomic by construction — the same approach the
// teacher's sibling ledger package uses for its balance-reservation
// scripts, adapted here from a one-shot balance check to a continuously
// refilling bucket.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Class names an endpoint category. Each has its own bucket configuration.
type Class string

const (
	ClassDefault Class = "default"
	ClassAuth    Class = "auth"
	ClassTarot   Class = "tarot"
	ClassChat    Class = "chat"
	ClassUpload  Class = "upload"
)

// Limits is the requests-per-minute table for every class.
type Limits struct {
	Default int
	Auth    int
	Tarot   int
	Chat    int
	Upload  int
}

func (l Limits) forClass(c Class) int {
	switch c {
	case ClassAuth:
		return l.Auth
	case ClassTarot:
		return l.Tarot
	case ClassChat:
		return l.Chat
	case ClassUpload:
		return l.Upload
	default:
		return l.Default
	}
}

// tokenBucketScript implements a continuous-refill token bucket entirely
// in Redis: KEYS[1] is the bucket hash (tokens, updated_at), ARGV[1] the
// bucket capacity (== the per-minute limit), ARGV[2] the refill rate in
// tokens per second, ARGV[3] the current unix time in (fractional)
// seconds. Returns {allowed (0/1), tokens_remaining}.
const tokenBucketScript = `
local bucket_key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', bucket_key, 'tokens', 'updated_at')
local tokens = tonumber(data[1])
local updated_at = tonumber(data[2])

if tokens == nil then
    tokens = capacity
    updated_at = now
end

local elapsed = now - updated_at
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * refill_rate)
    updated_at = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', bucket_key, 'tokens', tokens, 'updated_at', updated_at)
redis.call('EXPIRE', bucket_key, 120)

return {allowed, tokens}
`

// Limiter checks and consumes tokens against a Redis-backed bucket per
// (IP, class).
type Limiter struct {
	redis  *redis.Client
	limits Limits
	script *redis.Script
	log    zerolog.Logger
}

// New builds a Limiter over an already-connected redis client.
func New(client *redis.Client, limits Limits, log zerolog.Logger) *Limiter {
	return &Limiter{
		redis:  client,
		limits: limits,
		script: redis.NewScript(tokenBucketScript),
		log:    log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Decision reports whether the request may proceed and, if not, the
// machine-readable shape of the limit that was exceeded.
type Decision struct {
	Allowed      bool
	Class        Class
	LimitPerMin  int
	Remaining    float64
}

// Allow consumes one token from ip's bucket for class c.
func (r *Limiter) Allow(ctx context.Context, ip string, class Class, now float64) (*Decision, error) {
	capacity := r.limits.forClass(class)
	if capacity <= 0 {
		capacity = r.limits.Default
	}
	refillPerSecond := float64(capacity) / 60.0

	key := fmt.Sprintf("ratelimit:{%s}:%s", ip, class)
	res, err := r.script.Run(ctx, r.redis, []string{key}, capacity, refillPerSecond, now).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limiter script failed: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("unexpected rate limiter script result: %v", res)
	}

	allowed := toInt64(values[0]) == 1
	remaining := toFloat64(values[1])

	if !allowed {
		r.log.Debug().Str("ip", ip).Str("class", string(class)).Msg("rate limit exceeded")
	}

	return &Decision{Allowed: allowed, Class: class, LimitPerMin: capacity, Remaining: remaining}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		var f float64
		fmt.Sscanf(n, "%f", &f)
		return f
	default:
		return 0
	}
}
