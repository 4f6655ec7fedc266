package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims hits older than the window, then records the new
// hit when there is room. It returns {allowed, retry_ms}.
var slidingWindowScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local max_hits = tonumber(ARGV[2])
local window_ms = tonumber(ARGV[3])

local window_key = KEYS[1]
local seq_key = KEYS[2]

redis.call("ZREMRANGEBYSCORE", window_key, "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", window_key)

if count >= max_hits then
  local oldest = redis.call("ZRANGE", window_key, 0, 0, "WITHSCORES")
  local retry_ms = window_ms
  if oldest and oldest[2] then
    retry_ms = tonumber(oldest[2]) + window_ms - now_ms
  end
  if retry_ms < 1 then
    retry_ms = 1
  end
  return {0, retry_ms}
end

local seq = redis.call("INCR", seq_key)
redis.call("ZADD", window_key, now_ms, tostring(now_ms) .. "-" .. tostring(seq))
redis.call("PEXPIRE", window_key, window_ms)
redis.call("PEXPIRE", seq_key, window_ms)
return {1, 0}
`)

// RedisRateLimitStore shares the login window across instances.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "login_rl"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	if key == "" {
		key = "unknown"
	}
	windowMS := window.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1000
	}

	windowKey := fmt.Sprintf("%s:%s", s.prefix, key)
	raw, err := slidingWindowScript.Run(ctx, s.client,
		[]string{windowKey, windowKey + ":seq"},
		now.UnixMilli(), maxHits, windowMS,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("login rate limit script: %w", err)
	}
	if len(raw) != 2 {
		return false, 0, fmt.Errorf("login rate limit script: unexpected reply length %d", len(raw))
	}

	if raw[0] == 1 {
		return true, 0, nil
	}

	retryAfter := time.Duration(raw[1]) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}
