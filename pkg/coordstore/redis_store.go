package coordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
// Running it server-side makes the check-and-delete indivisible.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpireScript refreshes the TTL of KEYS[1] only while it still
// holds ARGV[1]. ARGV[2] is the new TTL in milliseconds.
var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// setGuardedScript writes KEYS[2] = ARGV[2] with TTL ARGV[3] (ms) only while
// the guard KEYS[1] still holds ARGV[1].
var setGuardedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
    return 1
end
return 0
`)

// RedisStore implements Store against a Redis server.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore creates a Redis-backed coordination store.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client (useful for tests that
// share a connection).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying connection for components that run their
// own scripts against the same server, like the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis pexpire %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expect).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	res, err := compareAndExpireScript.Run(ctx, s.client, []string{key}, expect, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-expire %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) SetGuarded(ctx context.Context, guardKey, expect, key, value string, ttl time.Duration) (bool, error) {
	res, err := setGuardedScript.Run(ctx, s.client, []string{guardKey, key}, expect, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis guarded set %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning, so a wake
	// published immediately after cannot be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, ch: make(chan string, 16)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan string
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- msg.Payload:
		default:
			// Subscriber is not draining; waking is best-effort and the
			// waiter's backoff tick covers the dropped message.
		}
	}
}

func (s *redisSubscription) C() <-chan string { return s.ch }

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
