package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript implements the rolling-window check-and-consume
// atomically in Redis so that multiple kernel processes can share one
// capacity pool.
//
// KEYS[1] = usage key (e.g. "usage:alice:llm_tokens")
// ARGV[1] = capacity
// ARGV[2] = window in microseconds
// ARGV[3] = amount to consume
// ARGV[4] = current time in microseconds
// ARGV[5] = member suffix for uniqueness
//
// Returns {allowed, used, retry_after_micros}.
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local amount = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

-- Drop records that left the window.
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

-- Sum in-window usage. Member format: "<micros>:<suffix>:<amount>".
local used = 0
local members = redis.call("ZRANGE", key, 0, -1)
for _, m in ipairs(members) do
    local a = string.match(m, ":(%d+)$")
    used = used + tonumber(a)
end

if used + amount > capacity then
    -- Oldest record expiry decides the earliest retry.
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    local retry = window
    if oldest[2] then
        retry = tonumber(oldest[2]) + window - now
    end
    return {0, used, retry}
end

redis.call("ZADD", key, now, now .. ":" .. ARGV[5] .. ":" .. amount)
redis.call("PEXPIRE", key, math.ceil(window / 1000))
return {1, used + amount, 0}
`)

// RedisStore is a shared rolling-window usage store for deployments that
// run more than one kernel process against a common capacity pool. The
// in-process Tracker remains the default.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Consume atomically checks and records usage for the window. Returns the
// retry-after hint when capacity is exhausted.
func (s *RedisStore) Consume(ctx context.Context, principal, resource string, amount, capacity int64, window time.Duration) (bool, time.Duration, error) {
	if amount <= 0 {
		return false, 0, ErrInvalidAmount
	}
	if amount > capacity {
		return false, 0, ErrExceedsCapacity
	}

	key := fmt.Sprintf("usage:%s:%s", principal, resource)
	now := time.Now().UnixMicro()
	suffix := now % 1_000_000

	res, err := redisWindowScript.Run(ctx, s.client, []string{key},
		capacity, window.Microseconds(), amount, now, suffix).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis consume: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := results[0].(int64)
	retryMicros, _ := results[2].(int64)
	return allowed == 1, time.Duration(retryMicros) * time.Microsecond, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
