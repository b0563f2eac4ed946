package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/strataml/gpucoord/pkg/coordstore"
)

// Options tunes the acquire wait loop and heartbeat retention. Zero values
// fall back to defaults.
type Options struct {
	// BackoffInitial is the first retry slice while waiting for a busy lease.
	BackoffInitial time.Duration
	// BackoffCeiling bounds the jittered exponential backoff so a waiter
	// never sleeps longer than this between retries.
	BackoffCeiling time.Duration
	// HeartbeatTTL is how long a recorded heartbeat pulse stays readable.
	// It must exceed the monitor's staleness window.
	HeartbeatTTL time.Duration
	Logger       *slog.Logger
}

// Manager implements acquire/release/extend over a coordination store.
// It is stateless: every mutable bit lives in the store.
type Manager struct {
	store          coordstore.Store
	logger         *slog.Logger
	backoffInitial time.Duration
	backoffCeiling time.Duration
	heartbeatTTL   time.Duration
}

// NewManager creates a lease manager on top of the given store.
func NewManager(store coordstore.Store, opts Options) *Manager {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 50 * time.Millisecond
	}
	if opts.BackoffCeiling <= 0 {
		opts.BackoffCeiling = 2 * time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "lease")
	}
	return &Manager{
		store:          store,
		logger:         opts.Logger,
		backoffInitial: opts.BackoffInitial,
		backoffCeiling: opts.BackoffCeiling,
		heartbeatTTL:   opts.HeartbeatTTL,
	}
}

// Acquire obtains an exclusive lease on resource, blocking up to maxWait.
// On success it returns the opaque holder token the caller must present to
// Release and Extend. A busy resource past maxWait yields ErrAcquireTimeout.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl, maxWait time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := m.tryAcquire(ctx, resource, token, ttl)
	if err != nil {
		return "", err
	}
	if ok {
		return token, nil
	}

	// Busy: subscribe first, then retry once to close the window where the
	// holder released between our failed attempt and the subscription.
	sub, err := m.store.Subscribe(ctx, wakeChannel(resource))
	if err != nil {
		return "", fmt.Errorf("lease acquire %s: %w", resource, err)
	}
	defer func() { _ = sub.Close() }()

	ok, err = m.tryAcquire(ctx, resource, token, ttl)
	if err != nil {
		return "", err
	}
	if ok {
		return token, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.backoffInitial
	bo.MaxInterval = m.backoffCeiling
	bo.RandomizationFactor = 0.5
	bo.Reset()

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		slice := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			slice.Stop()
			return "", ctx.Err()
		case <-deadline.C:
			slice.Stop()
			return "", fmt.Errorf("%w: %s after %s", ErrAcquireTimeout, resource, maxWait)
		case <-sub.C():
			// A holder released; race with the other waiters immediately.
		case <-slice.C:
			// Backoff tick covers missed or dropped wake messages.
		}
		slice.Stop()

		ok, err := m.tryAcquire(ctx, resource, token, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
	}
}

// tryAcquire performs one atomic create-if-absent attempt and, on success,
// writes the age sidecar and the initial heartbeat pulse.
func (m *Manager) tryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	ok, err := m.store.SetIfAbsent(ctx, leaseKey(resource), token, ttl)
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", resource, err)
	}
	if !ok {
		return false, nil
	}

	meta := leaseMeta{AcquiredAt: time.Now().UTC(), TTLMillis: ttl.Milliseconds()}
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: marshal meta: %w", resource, err)
	}
	if err := m.store.Set(ctx, metaKey(resource), string(raw), ttl); err != nil {
		m.logger.WarnContext(ctx, "lease meta write failed, monitor will rely on heartbeats",
			"resource", resource, "error", err)
	}
	if err := m.RecordHeartbeat(ctx, resource, token); err != nil && !errors.Is(err, ErrLeaseLost) {
		m.logger.WarnContext(ctx, "initial heartbeat write failed",
			"resource", resource, "error", err)
	}

	m.logger.DebugContext(ctx, "lease acquired",
		"resource", resource, "holder_token", token, "ttl", ttl)
	return true, nil
}

// Release relinquishes the lease if token still matches the current holder.
// A stale token is a no-op success from the caller's point of view but is
// logged, since it means the lease already expired or was reclaimed.
func (m *Manager) Release(ctx context.Context, resource, token string) error {
	ok, err := m.store.CompareAndDelete(ctx, leaseKey(resource), token)
	if err != nil {
		return fmt.Errorf("lease release %s: %w", resource, err)
	}
	if !ok {
		m.logger.WarnContext(ctx, "release with stale token, lease already expired or reclaimed",
			"resource", resource, "holder_token", token)
		return nil
	}

	_ = m.store.Delete(ctx, metaKey(resource))
	_ = m.store.Delete(ctx, heartbeatKey(resource))

	if err := m.store.Publish(ctx, wakeChannel(resource), "released"); err != nil {
		// Waiters fall back to their backoff tick.
		m.logger.WarnContext(ctx, "wake publish failed", "resource", resource, "error", err)
	}
	m.logger.DebugContext(ctx, "lease released", "resource", resource, "holder_token", token)
	return nil
}

// Extend refreshes the lease TTL if token still matches. ErrLeaseLost means
// the lease was already reclaimed and the caller must abort.
func (m *Manager) Extend(ctx context.Context, resource, token string, ttl time.Duration) error {
	ok, err := m.store.CompareAndExpire(ctx, leaseKey(resource), token, ttl)
	if err != nil {
		return fmt.Errorf("lease extend %s: %w", resource, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, resource)
	}
	// Keep the age sidecar alive alongside the lease. AcquiredAt is not
	// rewritten: lease age keeps counting from the original acquisition.
	if _, err := m.store.Expire(ctx, metaKey(resource), ttl); err != nil {
		m.logger.WarnContext(ctx, "lease meta expire failed", "resource", resource, "error", err)
	}
	return nil
}

// RecordHeartbeat writes a liveness pulse for the current holder. The write
// is guarded on the lease key so a reclaimed holder cannot refresh the
// heartbeat of its successor.
func (m *Manager) RecordHeartbeat(ctx context.Context, resource, token string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	ok, err := m.store.SetGuarded(ctx, leaseKey(resource), token, heartbeatKey(resource), now, m.heartbeatTTL)
	if err != nil {
		return fmt.Errorf("lease heartbeat %s: %w", resource, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, resource)
	}
	return nil
}

// StartKeepAlive extends the lease TTL and records a heartbeat every
// interval until the returned stop function is called or the context ends.
// The returned channel is closed if the lease is lost mid-flight; the
// holder must then abort its critical section.
func (m *Manager) StartKeepAlive(ctx context.Context, resource, token string, ttl, interval time.Duration) (<-chan struct{}, func()) {
	lost := make(chan struct{})
	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Extend(ctx, resource, token, ttl); err != nil {
					if errors.Is(err, ErrLeaseLost) {
						close(lost)
						return
					}
					m.logger.WarnContext(ctx, "keep-alive extend failed, will retry",
						"resource", resource, "error", err)
					continue
				}
				if err := m.RecordHeartbeat(ctx, resource, token); err != nil {
					if errors.Is(err, ErrLeaseLost) {
						close(lost)
						return
					}
					m.logger.WarnContext(ctx, "keep-alive heartbeat failed, will retry",
						"resource", resource, "error", err)
				}
			}
		}
	}()

	return lost, stop
}
