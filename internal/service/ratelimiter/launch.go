// Package ratelimiter gates agent launches with a Redis token bucket so a
// job's parallel fan-out cannot trip a provider the moment it starts.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces launch buckets so a shared Redis can serve other
// tenants.
const keyPrefix = "harbor:launch:"

// Bucket holds Capacity tokens refilled at RefillRate tokens per second.
// One launch costs one token.
type Bucket struct {
	Capacity   int64
	RefillRate float64
}

// PerMinute builds a bucket admitting n launches per minute, with bursts
// up to n.
func PerMinute(n int) Bucket {
	if n <= 0 {
		return Bucket{}
	}
	return Bucket{Capacity: int64(n), RefillRate: float64(n) / 60.0}
}

// Launch answers "may one more agent start for this model right now".
// Every failure mode grants passage: an unreachable Redis slows nothing
// down, it just stops throttling.
type Launch struct {
	redis  *redis.Client
	def    Bucket
	script *redis.Script
	clock  func() time.Time

	mu      sync.RWMutex
	buckets map[string]Bucket
}

func NewLaunch(rdb *redis.Client, def Bucket) *Launch {
	if rdb == nil {
		return nil
	}
	return &Launch{
		redis:   rdb,
		def:     def,
		script:  redis.NewScript(luaTokenBucket),
		clock:   time.Now,
		buckets: map[string]Bucket{},
	}
}

// luaTokenBucket refills and debits one bucket atomically. The clock is the
// caller's, so a worker fleet shares whatever skew it already has.
const luaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] then
  tokens = tonumber(data[1])
end
if data[2] then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
return { allowed, tokens }
`

// Allow debits one launch token for key. Unknown keys use the default
// bucket; an unconfigured default admits everything.
func (l *Launch) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil || l.redis == nil {
		return true, nil
	}
	b := l.bucketFor(key)
	if b.Capacity <= 0 || b.RefillRate <= 0 {
		return true, nil
	}

	now := float64(l.clock().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.redis, []string{keyPrefix + key}, b.Capacity, b.RefillRate, now).Result()
	if err != nil {
		slog.Error("launch limiter script failed",
			slog.String("key", key), slog.Any("error", err))
		return true, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		slog.Error("launch limiter returned an unexpected shape",
			slog.String("key", key), slog.Any("result", res))
		return true, nil
	}
	return asInt(vals[0]) == 1, nil
}

// SetBucket overrides one key's bucket at runtime, e.g. after a provider
// advertises its limits in response headers.
func (l *Launch) SetBucket(key string, b Bucket) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = b
}

func (l *Launch) bucketFor(key string) Bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	return l.def
}

func asInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
