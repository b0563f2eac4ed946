// Package lease implements exclusive, time-bounded leases over a shared
// coordination store. One lease key per resource is the entire source of
// truth: at most one live holder token exists for a resource at any
// instant, enforced by atomic create-if-absent. Clients keep no ownership
// state beyond the token for their current critical section, because the
// timeout monitor may evict any holder at any time.
package lease

import (
	"errors"
	"time"
)

// ErrAcquireTimeout is returned when a resource stays busy past the
// caller's max wait. It is an expected outcome, not a failure: callers
// treat it as "try later".
var ErrAcquireTimeout = errors.New("lease: acquire timed out, resource busy")

// ErrLeaseLost is returned by Extend and RecordHeartbeat when the holder's
// token no longer matches the lease. The caller must abort its critical
// section immediately.
var ErrLeaseLost = errors.New("lease: lease lost, holder token no longer matches")

// Key layout in the coordination store. The wake channel carries release
// notifications so waiters retry ahead of their next backoff tick.
func leaseKey(resource string) string     { return "lease:" + resource }
func metaKey(resource string) string      { return "lease.meta:" + resource }
func heartbeatKey(resource string) string { return "lease.hb:" + resource }
func wakeChannel(resource string) string  { return "lease.wake:" + resource }

const leaseKeyPrefix = "lease:"

// leaseMeta is the sidecar record the timeout monitor reads to judge lease
// age. AcquiredAt is fixed at acquisition; Extend refreshes the TTL only.
type leaseMeta struct {
	AcquiredAt time.Time `json:"acquired_at"`
	TTLMillis  int64     `json:"ttl_ms"`
}
