package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// fileOverlay mirrors Config with optional fields. Durations are Go
// duration strings ("10m", "1h30m").
type fileOverlay struct {
	ListenAddr         *string `yaml:"listen_addr"`
	LogLevel           *string `yaml:"log_level"`
	RedisAddr          *string `yaml:"redis_addr"`
	RedisPassword      *string `yaml:"redis_password"`
	RedisDB            *int    `yaml:"redis_db"`
	DeviceResource     *string `yaml:"device_resource"`
	WorkerURL          *string `yaml:"worker_url"`
	LeaseTTL           *string `yaml:"lease_ttl"`
	AcquireMaxWait     *string `yaml:"acquire_max_wait"`
	BackoffInitial     *string `yaml:"backoff_initial"`
	BackoffCeiling     *string `yaml:"backoff_ceiling"`
	KeepAliveInterval  *string `yaml:"keepalive_interval"`
	MonitorInterval    *string `yaml:"monitor_interval"`
	LeaseWarnAfter     *string `yaml:"lease_warn_after"`
	LeaseSoftAfter     *string `yaml:"lease_soft_after"`
	LeaseHardAfter     *string `yaml:"lease_hard_after"`
	HeartbeatStaleness *string `yaml:"heartbeat_staleness"`
	TaskTTL            *string `yaml:"task_ttl"`
	RateLimitRPM       *int    `yaml:"rate_limit_rpm"`
	RateLimitBurst     *int    `yaml:"rate_limit_burst"`
	OTLPEndpoint       *string `yaml:"otlp_endpoint"`
}

// applyFile overlays a YAML file onto cfg. Unset fields keep their current
// values.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var ov fileOverlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	overlayString(&cfg.ListenAddr, ov.ListenAddr)
	overlayString(&cfg.LogLevel, ov.LogLevel)
	overlayString(&cfg.RedisAddr, ov.RedisAddr)
	overlayString(&cfg.RedisPassword, ov.RedisPassword)
	overlayInt(&cfg.RedisDB, ov.RedisDB)
	overlayString(&cfg.DeviceResource, ov.DeviceResource)
	overlayString(&cfg.WorkerURL, ov.WorkerURL)
	overlayString(&cfg.OTLPEndpoint, ov.OTLPEndpoint)
	overlayInt(&cfg.RateLimitRPM, ov.RateLimitRPM)
	overlayInt(&cfg.RateLimitBurst, ov.RateLimitBurst)

	durations := []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&cfg.LeaseTTL, ov.LeaseTTL, "lease_ttl"},
		{&cfg.AcquireMaxWait, ov.AcquireMaxWait, "acquire_max_wait"},
		{&cfg.BackoffInitial, ov.BackoffInitial, "backoff_initial"},
		{&cfg.BackoffCeiling, ov.BackoffCeiling, "backoff_ceiling"},
		{&cfg.KeepAliveInterval, ov.KeepAliveInterval, "keepalive_interval"},
		{&cfg.MonitorInterval, ov.MonitorInterval, "monitor_interval"},
		{&cfg.LeaseWarnAfter, ov.LeaseWarnAfter, "lease_warn_after"},
		{&cfg.LeaseSoftAfter, ov.LeaseSoftAfter, "lease_soft_after"},
		{&cfg.LeaseHardAfter, ov.LeaseHardAfter, "lease_hard_after"},
		{&cfg.HeartbeatStaleness, ov.HeartbeatStaleness, "heartbeat_staleness"},
		{&cfg.TaskTTL, ov.TaskTTL, "task_ttl"},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config: %s in %s: %w", d.key, path, err)
		}
		*d.dst = parsed
	}
	return nil
}

func overlayString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func overlayInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// Dynamic holds a hot-reloadable Config. Readers call Current on every use
// and never cache the pointer.
type Dynamic struct {
	current atomic.Pointer[Config]
	path    string
	modTime time.Time
	logger  *slog.Logger
}

// NewDynamic wraps an initial config. path may be empty, in which case Watch
// is a no-op.
func NewDynamic(initial *Config, path string, logger *slog.Logger) *Dynamic {
	if logger == nil {
		logger = slog.Default().With("component", "config")
	}
	d := &Dynamic{path: path, logger: logger}
	d.current.Store(initial)
	if path != "" {
		if st, err := os.Stat(path); err == nil {
			d.modTime = st.ModTime()
		}
	}
	return d
}

// Current returns the live configuration snapshot.
func (d *Dynamic) Current() *Config {
	return d.current.Load()
}

// Watch polls the overlay file's mtime and reloads on change until ctx ends.
// A broken overlay keeps the previous snapshot.
func (d *Dynamic) Watch(ctx context.Context, interval time.Duration) {
	if d.path == "" {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := os.Stat(d.path)
			if err != nil {
				d.logger.WarnContext(ctx, "config overlay unreadable", "path", d.path, "error", err)
				continue
			}
			if !st.ModTime().After(d.modTime) {
				continue
			}

			next := defaults()
			if err := applyFile(next, d.path); err != nil {
				d.logger.WarnContext(ctx, "config reload rejected", "path", d.path, "error", err)
				continue
			}
			applyEnv(next)

			d.modTime = st.ModTime()
			d.current.Store(next)
			d.logger.InfoContext(ctx, "config reloaded", "path", d.path)
		}
	}
}
