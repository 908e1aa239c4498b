// Package ratelimit throttles manual sampling triggers per operator.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by all API replicas.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	Now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:trigger:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		Now:      time.Now,
	}
}

// Allow consumes one token from the operator's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, operator string) (Decision, error) {
	now := b.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + operator},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected reply from bucket script: %v", res)
	}
	allowed, _ := arr[0].(int64)
	// Lua numbers come back truncated to integers, so the script returns millitokens.
	milli, _ := arr[1].(int64)
	d := Decision{Allowed: allowed == 1, Remaining: float64(milli) / 1000}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(math.Ceil(missing/b.refill*1000)) * time.Millisecond
	}
	return d, nil
}

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
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
