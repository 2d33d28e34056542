package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/scanlist/internal/mountfs"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SCANLIST_BASE_URL", "http://127.0.0.1:8080"), "scanlist base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SCANLIST_TOKEN")), "bearer token")
	mountpoint := flag.String("mountpoint", strings.TrimSpace(os.Getenv("SCANLIST_MOUNTPOINT")), "FUSE mount directory")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("SCANLIST_LOCAL_DIR")), "plain mirror directory, used instead of FUSE")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("SCANLIST_MOUNT_STATE_FILE")), "mirror state file path")
	cacheTTL := flag.Duration("cache-ttl", durationEnv("SCANLIST_MOUNT_CACHE_TTL", 2*time.Second), "list index cache lifetime")
	interval := flag.Duration("interval", durationEnv("SCANLIST_MOUNT_INTERVAL", 5*time.Second), "mirror sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SCANLIST_MOUNT_INTERVAL_JITTER", 0.2), "mirror interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SCANLIST_MOUNT_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "mirror once and exit")
	debug := flag.Bool("debug", false, "log FUSE requests")
	flag.Parse()

	logger, err := zap.NewProduction()
	if *debug {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if *mountpoint == "" && *localDir == "" {
		logger.Fatal("mountpoint or local-dir is required (--mountpoint / SCANLIST_MOUNTPOINT or --local-dir / SCANLIST_LOCAL_DIR)")
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := mountfs.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	catalog := mountfs.NewCatalog(client, *cacheTTL)
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *mountpoint != "" {
		serveMount(rootCtx, logger, *mountpoint, catalog, *cacheTTL, *debug)
		return
	}

	mirror, err := mountfs.NewMirror(catalog, mountfs.MirrorOptions{
		LocalRoot: *localDir,
		StateFile: *stateFile,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to initialize mirror", zap.Error(err))
	}
	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		result, err := mirror.SyncOnce(ctx)
		if err != nil {
			logger.Warn("mirror sync cycle failed", zap.Error(err))
			return
		}
		logger.Info("mirror sync cycle completed", zap.Int("written", result.Written), zap.Int("removed", result.Removed))
	}

	run()
	if *once {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("mirror stopping", zap.Error(rootCtx.Err()))
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func serveMount(ctx context.Context, logger *zap.Logger, dir string, catalog *mountfs.Catalog, ttl time.Duration, debug bool) {
	server, err := mountfs.Mount(dir, catalog, mountfs.MountOptions{
		CacheTTL: ttl,
		Debug:    debug,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("mount failed", zap.String("mountpoint", dir), zap.Error(err))
	}
	logger.Info("scanlist mounted", zap.String("mountpoint", dir))
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", zap.Error(err))
		}
	}()
	server.Wait()
	logger.Info("scanlist unmounted", zap.String("mountpoint", dir))
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		zap.L().Warn("invalid duration env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		zap.L().Warn("invalid float env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Float64("fallback", fallback))
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
