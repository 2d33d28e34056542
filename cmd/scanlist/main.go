package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/scanlist/internal/capture"
	"github.com/agentworkforce/scanlist/internal/config"
	"github.com/agentworkforce/scanlist/internal/httpapi"
	"github.com/agentworkforce/scanlist/internal/metrics"
	"github.com/agentworkforce/scanlist/internal/scanlist"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("SCANLIST_CONFIG")), "path to a YAML config file")
	flag.Parse()

	bootstrap, _ := zap.NewProduction()
	zap.ReplaceGlobals(bootstrap)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		bootstrap.Fatal("failed to load config", zap.Error(err))
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		bootstrap.Fatal("failed to build logger", zap.Error(err))
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	collector := metrics.NewCollector()
	store, err := buildStore(cfg, logger, collector)
	if err != nil {
		return err
	}
	defer store.Close()
	collector.TrackQueueDepth(store.QueueDepth)

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		AuthToken:          cfg.Server.AuthToken,
		RateLimitMax:       cfg.Server.RateLimitMax,
		RateLimitWindow:    cfg.Server.RateLimitWindow.Std(),
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		StreamPollInterval: cfg.Server.StreamPollInterval.Std(),
		Metrics:            collector.Handler(),
		Observer:           collector,
		Logger:             logger,
	})

	if dir := strings.TrimSpace(cfg.Capture.InboxDir); dir != "" {
		inbox, err := capture.NewInbox(store, capture.InboxOptions{
			Dir:    dir,
			ListID: cfg.Capture.ListID,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := inbox.Run(ctx); err != nil {
				logger.Error("inbox watcher stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("scanlist listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", store.GetBackendStatus().StateBackend),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("scanlist shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *config.Config) {
	cfg.Server.Addr = stringEnv("SCANLIST_ADDR", cfg.Server.Addr)
	cfg.Server.AuthToken = stringEnv("SCANLIST_AUTH_TOKEN", cfg.Server.AuthToken)
	cfg.Server.MaxBodyBytes = int64Env("SCANLIST_MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)
	cfg.Server.RateLimitMax = intEnv("SCANLIST_RATE_LIMIT_MAX", cfg.Server.RateLimitMax)
	cfg.Server.RateLimitWindow = config.Duration(durationEnv("SCANLIST_RATE_LIMIT_WINDOW", cfg.Server.RateLimitWindow.Std()))

	cfg.Storage.Profile = stringEnv("SCANLIST_BACKEND_PROFILE", cfg.Storage.Profile)
	cfg.Storage.DataDir = stringEnv("SCANLIST_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.StateDSN = stringEnv("SCANLIST_STATE_BACKEND_DSN", cfg.Storage.StateDSN)
	cfg.Storage.QueueDSN = stringEnv("SCANLIST_DELIVERY_QUEUE_DSN", cfg.Storage.QueueDSN)
	cfg.Storage.QueueSize = intEnv("SCANLIST_DELIVERY_QUEUE_SIZE", cfg.Storage.QueueSize)
	cfg.Storage.PostgresDSN = stringEnv("SCANLIST_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Delivery.Workers = intEnv("SCANLIST_DELIVERY_WORKERS", cfg.Delivery.Workers)
	cfg.Delivery.Timeout = config.Duration(durationEnv("SCANLIST_DELIVERY_TIMEOUT", cfg.Delivery.Timeout.Std()))
	cfg.Delivery.MaxRetries = intEnv("SCANLIST_DELIVERY_MAX_RETRIES", cfg.Delivery.MaxRetries)

	cfg.Capture.InboxDir = stringEnv("SCANLIST_INBOX_DIR", cfg.Capture.InboxDir)
	cfg.Capture.ListID = stringEnv("SCANLIST_INBOX_LIST_ID", cfg.Capture.ListID)
	cfg.TimeZone = stringEnv("SCANLIST_TIME_ZONE", cfg.TimeZone)
	cfg.Log.Level = stringEnv("SCANLIST_LOG_LEVEL", cfg.Log.Level)
}

func buildStore(cfg *config.Config, logger *zap.Logger, observer scanlist.Observer) (*scanlist.Store, error) {
	stateDSN, queueDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	var stateBackend scanlist.StateBackend
	if stateDSN != "" {
		if stateBackend, err = scanlist.BuildStateBackendFromDSN(stateDSN); err != nil {
			return nil, err
		}
	}
	var queue scanlist.DeliveryQueue
	if queueDSN != "" {
		if queue, err = scanlist.BuildDeliveryQueueFromDSN(queueDSN, cfg.Storage.QueueSize); err != nil {
			return nil, err
		}
	}
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	store := scanlist.NewStoreWithOptions(scanlist.StoreOptions{
		StateBackend:    stateBackend,
		DeliveryQueue:   queue,
		DeliveryWorkers: cfg.Delivery.Workers,
		BackendProfile:  cfg.Storage.Profile,
		Sink: scanlist.NewHTTPSink(scanlist.SinkOptions{
			Timeout:    cfg.Delivery.Timeout.Std(),
			UserAgent:  cfg.Delivery.UserAgent,
			MaxRetries: cfg.Delivery.MaxRetries,
			BaseDelay:  cfg.Delivery.BaseDelay.Std(),
			MaxDelay:   cfg.Delivery.MaxDelay.Std(),
		}),
		MaxEventsPerList: cfg.Events.MaxPerList,
		Logger:           logger,
		Observer:         observer,
		Location:         location,
	})
	if err := store.LoadError(); err != nil {
		store.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return store, nil
}

func stringEnv(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		zap.L().Warn("invalid integer env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		zap.L().Warn("invalid integer env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
