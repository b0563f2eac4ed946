// Package config loads coordinator configuration from the environment with
// an optional YAML overlay file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds coordinator configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DeviceResource is the lease resource name guarding the accelerator.
	DeviceResource string
	// WorkerURL is the out-of-process worker executing stage workloads.
	WorkerURL string

	LeaseTTL          time.Duration
	AcquireMaxWait    time.Duration
	BackoffInitial    time.Duration
	BackoffCeiling    time.Duration
	KeepAliveInterval time.Duration

	// Tiered lease recovery thresholds, measured from acquisition.
	MonitorInterval    time.Duration
	LeaseWarnAfter     time.Duration
	LeaseSoftAfter     time.Duration
	LeaseHardAfter     time.Duration
	HeartbeatStaleness time.Duration

	TaskTTL time.Duration

	RateLimitRPM   int
	RateLimitBurst int

	OTLPEndpoint string
}

// Load loads configuration from environment variables. CONFIG_FILE, when
// set, is applied as a YAML overlay before the environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:         ":8080",
		LogLevel:           "INFO",
		RedisAddr:          "localhost:6379",
		DeviceResource:     "gpu:0",
		WorkerURL:          "http://localhost:9090",
		LeaseTTL:           10 * time.Minute,
		AcquireMaxWait:     30 * time.Minute,
		BackoffInitial:     50 * time.Millisecond,
		BackoffCeiling:     2 * time.Second,
		KeepAliveInterval:  time.Minute,
		MonitorInterval:    30 * time.Second,
		LeaseWarnAfter:     15 * time.Minute,
		LeaseSoftAfter:     30 * time.Minute,
		LeaseHardAfter:     time.Hour,
		HeartbeatStaleness: 2 * time.Minute,
		TaskTTL:            24 * time.Hour,
		RateLimitRPM:       600,
		RateLimitBurst:     100,
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")
	setString(&cfg.DeviceResource, "DEVICE_RESOURCE")
	setString(&cfg.WorkerURL, "WORKER_URL")
	setDuration(&cfg.LeaseTTL, "LEASE_TTL")
	setDuration(&cfg.AcquireMaxWait, "ACQUIRE_MAX_WAIT")
	setDuration(&cfg.BackoffInitial, "BACKOFF_INITIAL")
	setDuration(&cfg.BackoffCeiling, "BACKOFF_CEILING")
	setDuration(&cfg.KeepAliveInterval, "KEEPALIVE_INTERVAL")
	setDuration(&cfg.MonitorInterval, "MONITOR_INTERVAL")
	setDuration(&cfg.LeaseWarnAfter, "LEASE_WARN_AFTER")
	setDuration(&cfg.LeaseSoftAfter, "LEASE_SOFT_AFTER")
	setDuration(&cfg.LeaseHardAfter, "LEASE_HARD_AFTER")
	setDuration(&cfg.HeartbeatStaleness, "HEARTBEAT_STALENESS")
	setDuration(&cfg.TaskTTL, "TASK_TTL")
	setInt(&cfg.RateLimitRPM, "RATE_LIMIT_RPM")
	setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
