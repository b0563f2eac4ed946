// Package coordstore abstracts the shared coordination store that backs
// both device leases and task state. All cross-process coordination goes
// through the atomic primitives defined here; clients hold no durable
// state of their own.
package coordstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("coordstore: key not found")

// Store is the contract every coordination backend must satisfy.
//
// The guarded operations (CompareAndDelete, CompareAndExpire, SetGuarded)
// must be atomic against the backend: read-then-write sequences issued as
// two calls would allow one holder to revoke another's still-valid lease.
type Store interface {
	// SetIfAbsent atomically creates key with the given TTL. Returns false
	// if the key already exists.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key unconditionally with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets the TTL of key. Returns false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if its current value equals expect.
	// Returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// CompareAndExpire resets the TTL of key only if its current value
	// equals expect. Returns false when the value no longer matches.
	CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)

	// SetGuarded writes key with the given TTL only while guardKey still
	// holds expect. Returns false when the guard no longer matches.
	SetGuarded(ctx context.Context, guardKey, expect, key, value string, ttl time.Duration) (bool, error)

	// ScanKeys returns all live keys with the given prefix.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	// Publish sends payload to every subscriber of channel. Delivery is
	// best-effort fan-out; subscribers must tolerate missed messages.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe registers an ephemeral subscription to channel. The caller
	// must Close the subscription when done waiting.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live pub/sub registration.
type Subscription interface {
	// C returns the message channel. It is closed when the subscription ends.
	C() <-chan string
	// Close tears down the subscription.
	Close() error
}
