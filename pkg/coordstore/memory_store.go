package coordstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in memory with Redis-equivalent semantics,
// including TTL expiry and pub/sub fan-out. Thread-safe via RWMutex.
// Intended for tests and single-process development.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	subMu sync.RWMutex
	subs  map[string][]*memorySubscription
}

type memoryEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// NewMemoryStore creates an empty in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		subs:    make(map[string][]*memorySubscription),
	}
}

// live returns the entry for key if present and unexpired. Caller must hold
// at least a read lock; expired entries are reaped lazily by writers.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return memoryEntry{}, false
	}
	return e, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expireAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expireAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return false, nil
	}
	e.expireAt = expiry(ttl)
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != expect {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != expect {
		return false, nil
	}
	e.expireAt = expiry(ttl)
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) SetGuarded(ctx context.Context, guardKey, expect, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	guard, ok := s.live(guardKey)
	if !ok || guard.value != expect {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expireAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var keys []string
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// TTLRemaining reports how long key has before expiry. Zero means no expiry
// is set, negative means the key is missing or already expired. Test helper,
// not part of the Store contract.
func (s *MemoryStore) TTLRemaining(key string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(key)
	if !ok {
		return -1
	}
	if e.expireAt.IsZero() {
		return 0
	}
	return time.Until(e.expireAt)
}

func (s *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Best-effort fan-out, same as the Redis backend.
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan string, 16),
	}
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	ch      chan string
	once    sync.Once
}

func (s *memorySubscription) C() <-chan string { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.subMu.Lock()
		subs := s.store.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.store.subMu.Unlock()
		close(s.ch)
	})
	return nil
}
