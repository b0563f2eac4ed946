package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore implements Store in process memory, one bucket per actor.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewMemoryStore creates an empty in-memory limiter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.buckets[actorID]
	if !ok {
		perSecond := rate.Limit(float64(policy.RPM) / 60.0)
		if perSecond <= 0 {
			perSecond = rate.Limit(1)
		}
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(perSecond, burst)
		s.buckets[actorID] = lim
	}
	s.mu.Unlock()

	return lim.AllowN(time.Now(), cost), nil
}
