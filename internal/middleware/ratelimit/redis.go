package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgehop/gateway/internal/logging"
)

const redisCallTimeout = 100 * time.Millisecond

// fixedWindowScript counts requests in the current fixed window.
// KEYS[1] already includes the window index. Returns
// {allowed, remaining, reset_ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    ttl = tonumber(ARGV[2])
end
local limit = tonumber(ARGV[1])
if count <= limit then
    return {1, limit - count, ttl}
end
return {0, 0, ttl}
`)

// slidingWindowScript keeps timestamps of allowed requests in a sorted
// set and counts the ones inside the window. Returns
// {allowed, remaining, reset_ms, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window * 2)
    return {1, limit - count - 1, window, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if #oldest >= 2 then
    retry = tonumber(oldest[2]) + window - now
end
if retry < 0 then
    retry = 0
end
return {0, 0, window, retry}
`)

// tokenBucketScript stores {tokens, last_refill_ms} in a hash and
// refills lazily. Returns {allowed, remaining, reset_ms, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
    tokens = capacity
    ts = now
end

local elapsed = (now - ts) / 1000.0
tokens = tokens + elapsed * rate
if tokens > capacity then
    tokens = capacity
end

local allowed = 0
local retry = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, window * 2)

local reset = math.ceil((capacity - tokens) / rate * 1000)
return {allowed, math.floor(tokens), reset, retry}
`)

// RedisLimiter evaluates rate limit rules against Redis so multiple
// gateway instances share counters. Sliding-window and token-bucket
// state carries a TTL of twice the rule window; a fixed-window counter
// expires one window after its first request.
type RedisLimiter struct {
	client    redis.UniversalClient
	algorithm string
	fallback  *TokenBucketLimiter
}

// NewRedisLimiter creates a distributed limiter. fallback is consulted
// whenever the Redis call fails; requests are never allowed unbounded
// and never denied outright on store failure.
func NewRedisLimiter(client redis.UniversalClient, algorithm string, fallback *TokenBucketLimiter) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		algorithm: algorithm,
		fallback:  fallback,
	}
}

// Allow evaluates one rule for key.
func (rl *RedisLimiter) Allow(ctx context.Context, key string, requests, windowSecs, burst int) Decision {
	callCtx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	d, err := rl.run(callCtx, key, requests, windowSecs, burst)
	if err != nil {
		logging.Warn("distributed rate limit unavailable, using local fallback",
			zap.String("key", key), zap.Error(err))
		// Fallback buckets are per rule, like the local limiter's own.
		localKey := key + ":" + strconv.Itoa(requests) + "r" + strconv.Itoa(windowSecs)
		return rl.fallback.Allow(localKey, requests, windowSecs, burst)
	}
	return d
}

func (rl *RedisLimiter) run(ctx context.Context, key string, requests, windowSecs, burst int) (Decision, error) {
	windowMs := int64(windowSecs) * 1000
	nowMs := time.Now().UnixMilli()

	switch rl.algorithm {
	case "fixed_window":
		windowIdx := nowMs / windowMs
		windowKey := key + ":" + strconv.FormatInt(windowIdx, 10)
		res, err := fixedWindowScript.Run(ctx, rl.client, []string{windowKey}, requests, windowMs).Int64Slice()
		if err != nil {
			return Decision{}, err
		}
		d := Decision{
			Allowed:    res[0] == 1,
			Limit:      requests,
			Remaining:  int(res[1]),
			ResetAfter: msToSecs(windowMs - nowMs%windowMs),
		}
		if !d.Allowed {
			d.RetryAfter = d.ResetAfter
		}
		return d, nil

	case "token_bucket":
		capacity := burst
		if capacity <= 0 {
			capacity = requests
		}
		rate := float64(requests) / float64(windowSecs)
		res, err := tokenBucketScript.Run(ctx, rl.client, []string{key},
			nowMs, rate, capacity, windowMs).Int64Slice()
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Allowed:    res[0] == 1,
			Limit:      requests,
			Remaining:  int(res[1]),
			ResetAfter: msToSecs(res[2]),
			RetryAfter: msToSecs(res[3]),
		}, nil

	default: // sliding_window
		res, err := slidingWindowScript.Run(ctx, rl.client, []string{key},
			nowMs, windowMs, requests).Int64Slice()
		if err != nil {
			return Decision{}, err
		}
		d := Decision{
			Allowed:    res[0] == 1,
			Limit:      requests,
			Remaining:  int(res[1]),
			ResetAfter: msToSecs(res[2]),
		}
		if !d.Allowed {
			d.RetryAfter = msToSecs(res[3])
		}
		return d, nil
	}
}

func msToSecs(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int(math.Ceil(float64(ms) / 1000.0))
}
