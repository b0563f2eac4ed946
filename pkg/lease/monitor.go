package lease

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/strataml/gpucoord/pkg/coordstore"
)

// MonitorConfig holds the tiered recovery thresholds. A single blunt timeout
// either evicts healthy long jobs or leaves crashed ones holding the device;
// the three tiers trade a little complexity for both fast recovery and a low
// false-eviction rate.
type MonitorConfig struct {
	// Interval between scans.
	Interval time.Duration
	// WarnAfter: lease age at which a warning is logged. No action taken.
	WarnAfter time.Duration
	// SoftAfter: lease age at which the lease is force-released unless a
	// recent heartbeat proves the holder is alive but slow.
	SoftAfter time.Duration
	// HardAfter: lease age at which the lease is force-released regardless
	// of heartbeats. Backstop against heartbeat-path failures.
	HardAfter time.Duration
	// HeartbeatStaleness is how old the last pulse may be before a holder
	// counts as dead at the soft tier.
	HeartbeatStaleness time.Duration
}

// DefaultMonitorConfig returns conservative defaults. All values are
// expected to be overridden from the external configuration surface.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:           15 * time.Second,
		WarnAfter:          5 * time.Minute,
		SoftAfter:          15 * time.Minute,
		HardAfter:          time.Hour,
		HeartbeatStaleness: 90 * time.Second,
	}
}

// Monitor is the always-on background loop that recovers abandoned leases.
// It runs independently of any holder's lifecycle.
type Monitor struct {
	store  coordstore.Store
	logger *slog.Logger
	cfg    MonitorConfig

	mu     sync.Mutex
	warned map[string]struct{} // resource+token pairs already warned about
}

// NewMonitor creates a timeout monitor over the given store.
func NewMonitor(store coordstore.Store, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if logger == nil {
		logger = slog.Default().With("component", "lease-monitor")
	}
	return &Monitor{
		store:  store,
		logger: logger,
		cfg:    cfg,
		warned: make(map[string]struct{}),
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.InfoContext(ctx, "timeout monitor started",
		"interval", m.cfg.Interval,
		"warn_after", m.cfg.WarnAfter,
		"soft_after", m.cfg.SoftAfter,
		"hard_after", m.cfg.HardAfter,
		"heartbeat_staleness", m.cfg.HeartbeatStaleness)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "timeout monitor stopped")
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan inspects every live lease once and applies the tier actions. Warn
// bookkeeping for leases that vanished since the last scan (normal release,
// TTL expiry) is pruned afterwards so the warned set tracks only live
// holders.
func (m *Monitor) Scan(ctx context.Context) {
	keys, err := m.store.ScanKeys(ctx, leaseKeyPrefix)
	if err != nil {
		m.logger.ErrorContext(ctx, "lease scan failed", "error", err)
		return
	}
	live := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		resource := strings.TrimPrefix(key, leaseKeyPrefix)
		if pair, ok := m.inspect(ctx, resource); ok {
			live[pair] = struct{}{}
		}
	}
	m.pruneWarned(live)
}

// inspect applies the tier actions to one lease. It reports the
// resource/token pair when the lease is still held afterwards, so Scan can
// prune warn bookkeeping for everything else.
func (m *Monitor) inspect(ctx context.Context, resource string) (string, bool) {
	token, err := m.store.Get(ctx, leaseKey(resource))
	if errors.Is(err, coordstore.ErrNotFound) {
		// Lease expired between scan and inspect; reap sidecars.
		_ = m.store.Delete(ctx, metaKey(resource))
		_ = m.store.Delete(ctx, heartbeatKey(resource))
		return "", false
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "lease read failed", "resource", resource, "error", err)
		return "", false
	}

	pair := warnedKey(resource, token)
	age, ageKnown := m.leaseAge(ctx, resource)
	hbAge, hbKnown := m.heartbeatAge(ctx, resource)

	if !ageKnown {
		// Without the sidecar the monitor cannot tier by age; fall back to
		// heartbeat staleness alone, treated as the soft tier.
		if !hbKnown || hbAge > m.cfg.HeartbeatStaleness {
			m.forceRelease(ctx, resource, token, "soft",
				"lease age unknown and heartbeat stale")
			return "", false
		}
		return pair, true
	}

	switch {
	case age >= m.cfg.HardAfter:
		m.forceRelease(ctx, resource, token, "hard",
			"lease exceeded hard threshold")
		return "", false
	case age >= m.cfg.SoftAfter:
		if hbKnown && hbAge <= m.cfg.HeartbeatStaleness {
			m.logger.DebugContext(ctx, "lease past soft threshold but holder alive",
				"resource", resource, "age", age, "heartbeat_age", hbAge)
			return pair, true
		}
		m.forceRelease(ctx, resource, token, "soft",
			"no heartbeat within staleness window")
		return "", false
	case age >= m.cfg.WarnAfter:
		m.warnOnce(ctx, resource, token, age)
	}
	return pair, true
}

func (m *Monitor) leaseAge(ctx context.Context, resource string) (time.Duration, bool) {
	raw, err := m.store.Get(ctx, metaKey(resource))
	if err != nil {
		return 0, false
	}
	var meta leaseMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		m.logger.WarnContext(ctx, "corrupt lease meta", "resource", resource, "error", err)
		return 0, false
	}
	return time.Since(meta.AcquiredAt), true
}

func (m *Monitor) heartbeatAge(ctx context.Context, resource string) (time.Duration, bool) {
	raw, err := m.store.Get(ctx, heartbeatKey(resource))
	if err != nil {
		return 0, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		m.logger.WarnContext(ctx, "corrupt heartbeat record", "resource", resource, "error", err)
		return 0, false
	}
	return time.Since(at), true
}

// forceRelease uses the same atomic delete-if-value-matches path as a normal
// release, so a holder that released and a new acquirer that slipped in
// between reads can never be evicted by mistake.
func (m *Monitor) forceRelease(ctx context.Context, resource, token, tier, reason string) {
	ok, err := m.store.CompareAndDelete(ctx, leaseKey(resource), token)
	if err != nil {
		m.logger.ErrorContext(ctx, "force release failed", "resource", resource, "error", err)
		return
	}
	if !ok {
		// Holder changed under us; the new lease gets its own tiering.
		return
	}
	_ = m.store.Delete(ctx, metaKey(resource))
	_ = m.store.Delete(ctx, heartbeatKey(resource))
	if err := m.store.Publish(ctx, wakeChannel(resource), "reclaimed"); err != nil {
		m.logger.WarnContext(ctx, "wake publish failed", "resource", resource, "error", err)
	}
	m.clearWarned(resource, token)
	m.logger.WarnContext(ctx, "lease force-released",
		"resource", resource, "holder_token", token, "tier", tier, "reason", reason)
}

func warnedKey(resource, token string) string { return resource + "/" + token }

func (m *Monitor) warnOnce(ctx context.Context, resource, token string, age time.Duration) {
	m.mu.Lock()
	_, seen := m.warned[warnedKey(resource, token)]
	if !seen {
		m.warned[warnedKey(resource, token)] = struct{}{}
	}
	m.mu.Unlock()
	if !seen {
		m.logger.WarnContext(ctx, "lease past warning threshold",
			"resource", resource, "holder_token", token, "age", age)
	}
}

func (m *Monitor) clearWarned(resource, token string) {
	m.mu.Lock()
	delete(m.warned, warnedKey(resource, token))
	m.mu.Unlock()
}

// pruneWarned drops warn bookkeeping for every lease not in live. A holder
// that was warned about and then released normally must not occupy the set
// forever.
func (m *Monitor) pruneWarned(live map[string]struct{}) {
	m.mu.Lock()
	for pair := range m.warned {
		if _, ok := live[pair]; !ok {
			delete(m.warned, pair)
		}
	}
	m.mu.Unlock()
}
