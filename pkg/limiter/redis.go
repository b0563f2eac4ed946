package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "refilled_at")
local tokens = tonumber(state[1])
local refilled_at = tonumber(state[2])

if not tokens or not refilled_at then
    tokens = capacity
    refilled_at = now
end

local elapsed = now - refilled_at
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    refilled_at = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "refilled_at", refilled_at)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisStore implements Store against Redis, shared across replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed limiter store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	perSecond := float64(policy.RPM) / 60.0
	if perSecond <= 0 {
		perSecond = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{"ratelimit:" + actorID},
		perSecond, policy.Burst, cost, now).Int()
	if err != nil {
		return false, fmt.Errorf("limiter: redis token bucket: %w", err)
	}
	return res == 1, nil
}
