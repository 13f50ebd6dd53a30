// Command delivery runs C6: WorkersPerShard consumer-group workers against
// every `deliveries:{shard}` stream, each applying pre-deliver checks and
// HMAC-signed HTTP delivery. A single long-running process, no subcommands,
// per §6.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/ipcasj/ethhook-sub004/internal/bus"
	"github.com/ipcasj/ethhook-sub004/internal/circuitbreaker"
	"github.com/ipcasj/ethhook-sub004/internal/config"
	"github.com/ipcasj/ethhook-sub004/internal/configstore"
	"github.com/ipcasj/ethhook-sub004/internal/delivery"
	"github.com/ipcasj/ethhook-sub004/internal/eventstore"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config"
	}
	settings, err := config.Load(cfgPath, os.Getenv("ENVIRONMENT"))
	if err != nil {
		log.Fatalf("delivery: failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("delivery")
	metrics := observability.NewPrometheusMetrics(settings.Observability.MetricsNamespace)
	if settings.Observability.MetricsEnabled {
		startMetricsServer(settings.Observability.MetricsAddr, metrics, logger)
	}

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TracingConfig{
		Enabled:     settings.Observability.TracingEnabled,
		ServiceName: "ethhook-delivery",
		Environment: settings.Environment,
		Endpoint:    settings.Observability.TracingEndpoint,
	})
	if err != nil {
		log.Fatalf("delivery: failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("delivery: tracer shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	busClient, err := bus.NewClient(bus.Config{
		Addresses:    settings.Redis.Addresses,
		Password:     settings.Redis.Password,
		DB:           settings.Redis.DB,
		DialTimeout:  settings.Redis.DialTimeout,
		ReadTimeout:  settings.Redis.ReadTimeout,
		WriteTimeout: settings.Redis.WriteTimeout,
		PoolSize:     settings.Redis.PoolSize,
	}, logger)
	if err != nil {
		log.Fatalf("delivery: failed to connect to bus: %v", err)
	}
	defer busClient.Close()
	go busClient.HealthCheckLoop(ctx, settings.Redis.ReadTimeout)

	pgStore, err := configstore.NewPostgresStore(settings.ConfigStore.DSN, logger)
	if err != nil {
		log.Fatalf("delivery: failed to connect to config store: %v", err)
	}
	defer pgStore.Close()
	store, err := configstore.NewCachedStore(pgStore, configstore.CacheConfig{
		TTL:  settings.ConfigStore.CacheTTL,
		Size: settings.ConfigStore.CacheSize,
	}, logger)
	if err != nil {
		log.Fatalf("delivery: failed to build cached config store: %v", err)
	}

	sink, err := buildEventSink(settings.EventStore, logger)
	if err != nil {
		log.Fatalf("delivery: failed to build event sink: %v", err)
	}
	writer := eventstore.New(eventstore.Config{
		BatchSize:       settings.EventStore.BatchSize,
		BatchTimeout:    settings.EventStore.BatchTimeout,
		FlushDeadline:   settings.EventStore.FlushDeadline,
		MaxRetries:      3,
		RetryBaseDelay:  500 * time.Millisecond,
		MaxBufferedRows: settings.EventStore.MaxBufferedRows,
	}, sink, logger, metrics)
	writer.Start(ctx)
	defer writer.Stop()

	httpClient := &http.Client{
		Timeout: settings.Delivery.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: settings.Delivery.HTTPPoolSize,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= settings.Delivery.MaxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	workerCfg := delivery.Config{
		ConsumerGroup:    settings.Delivery.ConsumerGroup,
		WorkersPerShard:  settings.Delivery.WorkersPerShard,
		Shards:           settings.Processor.DeliveryShardCount,
		RequestTimeout:   settings.Delivery.RequestTimeout,
		MaxRedirects:     settings.Delivery.MaxRedirects,
		DefaultRateLimit: settings.Delivery.DefaultRateLimitPerMin,
		ConsumeBatchSize: 10,
		ConsumeBlock:     2 * time.Second,
		Retry: delivery.RetryConfig{
			Base:       settings.Delivery.RetryBaseDelay,
			Cap:        settings.Delivery.RetryMaxDelay,
			Multiplier: settings.Delivery.RetryMultiplier,
			Jitter:     settings.Delivery.RetryJitter,
			MaxRetries: int(settings.Delivery.MaxRetries),
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold:      settings.Delivery.CircuitFailureThreshold,
			Cooldown:              settings.Delivery.CircuitCooldown,
			HalfOpenMaxCalls:      settings.Delivery.CircuitHalfOpenMax,
			ProbeSuccessThreshold: settings.Delivery.CircuitProbeSuccess,
		},
	}

	worker := delivery.New(workerCfg, busClient, store, writer, httpClient, logger, metrics, tracer)

	runDone := make(chan error, 1)
	go func() {
		runDone <- worker.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("delivery: received shutdown signal", nil)
		cancel()
	case err := <-runDone:
		if err != nil {
			logger.Error("delivery: worker exited with error", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	select {
	case <-runDone:
		logger.Info("delivery: stopped gracefully", nil)
	case <-time.After(settings.ShutdownGrace):
		logger.Warn("delivery: shutdown grace period exceeded, exiting anyway", nil)
	}
}

func buildEventSink(cfg config.EventStoreSettings, logger observability.Logger) (eventstore.Sink, error) {
	if len(cfg.Addresses) == 0 {
		logger.Warn("delivery: no clickhouse addresses configured, falling back to a log sink", nil)
		return eventstore.NewLogSink(logger), nil
	}
	return eventstore.NewClickHouseSink(eventstore.ClickHouseConfig{
		Addresses: cfg.Addresses,
		Database:  cfg.Database,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}, logger)
}

func startMetricsServer(addr string, metrics *observability.PrometheusMetrics, logger observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("delivery: metrics server exited", map[string]interface{}{"error": err.Error()})
		}
	}()
}
