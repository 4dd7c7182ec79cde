// Package ratelimit enforces the per-channel upload quota with a token bucket
// shared by every worker through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"content-publisher/internal/policy"
	"content-publisher/internal/telemetry"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. A
// capacity of zero disables the limit.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "quota:upload:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket result %v", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscan(v, &tokens)
	}
	return allowed, tokens, nil
}

// QuotaError is returned when a channel has no upload tokens left. RetryAfter
// estimates when the next token is available.
type QuotaError struct {
	Channel    string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("channel %s: %s, retry after %s", e.Channel, policy.ErrQuotaExhausted, e.RetryAfter)
}

func (e *QuotaError) Unwrap() error { return policy.ErrQuotaExhausted }

// Reserve takes one upload token for channel.
func (b *TokenBucket) Reserve(ctx context.Context, channel string) error {
	if b == nil || b.capacity <= 0 {
		return nil
	}
	allowed, tokens, err := b.Allow(ctx, channel)
	if err != nil {
		return fmt.Errorf("upload quota: %w", err)
	}
	if allowed {
		return nil
	}
	telemetry.QuotaRejects.Inc()
	wait := time.Minute
	if b.refill > 0 {
		wait = time.Duration(math.Ceil((1-tokens)/b.refill*1000)) * time.Millisecond
	}
	return &QuotaError{Channel: channel, RetryAfter: wait}
}

// RetryAfter extracts the quota wait from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.RetryAfter, true
	}
	return 0, false
}

// Redis truncates Lua numbers to integers in replies, so the token count is
// returned as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
