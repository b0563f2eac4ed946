// Package limiter provides per-actor token-bucket rate limiting for the
// HTTP boundary, with Redis and in-memory backends.
package limiter

import "context"

// Policy describes a token bucket.
type Policy struct {
	// RPM is the sustained request rate per minute.
	RPM int
	// Burst is the bucket capacity.
	Burst int
}

// Store checks and consumes rate-limit tokens for an actor.
type Store interface {
	// Allow consumes cost tokens from actorID's bucket if available.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}
