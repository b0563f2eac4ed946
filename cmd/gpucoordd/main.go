// Command gpucoordd runs the device lock and task-result cache coordinator.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/strataml/gpucoord/pkg/api"
	"github.com/strataml/gpucoord/pkg/artifacts"
	"github.com/strataml/gpucoord/pkg/config"
	"github.com/strataml/gpucoord/pkg/coordstore"
	"github.com/strataml/gpucoord/pkg/dispatch"
	"github.com/strataml/gpucoord/pkg/lease"
	"github.com/strataml/gpucoord/pkg/limiter"
	"github.com/strataml/gpucoord/pkg/observability"
	"github.com/strataml/gpucoord/pkg/runner"
	"github.com/strataml/gpucoord/pkg/stagecache"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Overlay file edits take effect without a restart; consumers read the
	// snapshot per request.
	dyn := config.NewDynamic(cfg, os.Getenv("CONFIG_FILE"), nil)
	go dyn.Watch(ctx, 10*time.Second)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "gpucoord",
		Environment:  os.Getenv("ENVIRONMENT"),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Coordination store. Without a reachable Redis the coordinator degrades
	// to a single-replica in-memory mode, useful on a workstation.
	var kv coordstore.Store
	var limits limiter.Store
	redisStore := coordstore.NewRedisStore(coordstore.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisStore.Ping(ctx); err != nil {
		logger.Warn("redis unreachable, running single-replica with in-memory store",
			"addr", cfg.RedisAddr, "error", err)
		kv = coordstore.NewMemoryStore()
		limits = limiter.NewMemoryStore()
	} else {
		logger.Info("redis connected", "addr", cfg.RedisAddr)
		kv = redisStore
		limits = limiter.NewRedisStore(redisStore.Client())
		defer func() { _ = redisStore.Close() }()
	}

	leases := lease.NewManager(kv, lease.Options{
		BackoffInitial: cfg.BackoffInitial,
		BackoffCeiling: cfg.BackoffCeiling,
		HeartbeatTTL:   cfg.HeartbeatStaleness * 3,
	})
	monitor := lease.NewMonitor(kv, lease.MonitorConfig{
		Interval:           cfg.MonitorInterval,
		WarnAfter:          cfg.LeaseWarnAfter,
		SoftAfter:          cfg.LeaseSoftAfter,
		HardAfter:          cfg.LeaseHardAfter,
		HeartbeatStaleness: cfg.HeartbeatStaleness,
	}, nil)
	go monitor.Run(ctx)

	tasks := taskstate.NewStore(kv, cfg.TaskTTL, nil)
	cache := stagecache.NewCoordinator(tasks, nil)

	registry := stagecache.NewRegistry()
	if err := runner.RegisterBuiltins(registry); err != nil {
		logger.Error("stage registration failed", "error", err)
		return 1
	}

	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		return 1
	}
	uploader := artifacts.NewUploader(blobs, nil)
	dispatcher := dispatch.NewDispatcher(dispatch.Options{})

	workloads := make(map[string]runner.Workload, len(registry.Names()))
	for _, name := range registry.Names() {
		workloads[name] = runner.NewHTTPWorkload(cfg.WorkerURL, nil)
	}

	r := runner.New(runner.Config{
		DeviceResource:    cfg.DeviceResource,
		LeaseTTL:          cfg.LeaseTTL,
		AcquireMaxWait:    cfg.AcquireMaxWait,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}, registry, cache, tasks, leases, uploader, dispatcher, workloads, nil)

	srv := api.NewServer(r, leases, nil)
	srv.LockLimits = func() (time.Duration, time.Duration) {
		c := dyn.Current()
		return c.LeaseTTL, c.AcquireMaxWait
	}
	srv.Obs = obs

	httpSrv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: srv.Handler(limits, limiter.Policy{
			RPM:   cfg.RateLimitRPM,
			Burst: cfg.RateLimitBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening",
			"addr", cfg.ListenAddr, "device", cfg.DeviceResource, "worker", cfg.WorkerURL)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	// Let in-flight executions write their terminal records and release the
	// device before the process exits.
	r.Drain()
	return 0
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
