// Command processor runs C5: one Processor per configured chain, each
// running a pool of consumer-group workers against that chain's
// `events:{chain_id}` stream. A single long-running process, no
// subcommands, per §6.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/ipcasj/ethhook-sub004/internal/bus"
	"github.com/ipcasj/ethhook-sub004/internal/config"
	"github.com/ipcasj/ethhook-sub004/internal/configstore"
	"github.com/ipcasj/ethhook-sub004/internal/eventstore"
	"github.com/ipcasj/ethhook-sub004/internal/observability"
	"github.com/ipcasj/ethhook-sub004/internal/processor"
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
		log.Fatalf("processor: failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("processor")
	metrics := observability.NewPrometheusMetrics(settings.Observability.MetricsNamespace)
	if settings.Observability.MetricsEnabled {
		startMetricsServer(settings.Observability.MetricsAddr, metrics, logger)
	}

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TracingConfig{
		Enabled:     settings.Observability.TracingEnabled,
		ServiceName: "ethhook-processor",
		Environment: settings.Environment,
		Endpoint:    settings.Observability.TracingEndpoint,
	})
	if err != nil {
		log.Fatalf("processor: failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("processor: tracer shutdown failed", map[string]interface{}{"error": err.Error()})
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
		log.Fatalf("processor: failed to connect to bus: %v", err)
	}
	defer busClient.Close()
	go busClient.HealthCheckLoop(ctx, settings.Redis.ReadTimeout)

	pgStore, err := configstore.NewPostgresStore(settings.ConfigStore.DSN, logger)
	if err != nil {
		log.Fatalf("processor: failed to connect to config store: %v", err)
	}
	defer pgStore.Close()
	store, err := configstore.NewCachedStore(pgStore, configstore.CacheConfig{
		TTL:  settings.ConfigStore.CacheTTL,
		Size: settings.ConfigStore.CacheSize,
	}, logger)
	if err != nil {
		log.Fatalf("processor: failed to build cached config store: %v", err)
	}

	sink, err := buildEventSink(settings.EventStore, logger)
	if err != nil {
		log.Fatalf("processor: failed to build event sink: %v", err)
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

	if len(settings.Chains) == 0 {
		log.Fatal("processor: no chains configured")
	}

	workers := settings.Processor.WorkersPerChain
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	procCfg := processor.Config{
		ConsumerGroup:    settings.Processor.ConsumerGroup,
		DeliveryShards:   settings.Processor.DeliveryShardCount,
		MaxMatchWarning:  settings.Processor.MaxMatchesPerLog,
		ConsumeBatchSize: 10,
		ConsumeBlock:     2 * time.Second,
	}

	var wg sync.WaitGroup
	for _, chain := range settings.Chains {
		p := processor.New(chain.ChainID, procCfg, busClient, store, writer, logger, metrics, tracer)
		wg.Add(1)
		go func(chainID uint64) {
			defer wg.Done()
			if err := p.Run(ctx, workers); err != nil {
				logger.Error("processor: chain processor exited with error", map[string]interface{}{
					"chain_id": chainID, "error": err.Error(),
				})
			}
		}(chain.ChainID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("processor: received shutdown signal", nil)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("processor: stopped gracefully", nil)
	case <-time.After(settings.ShutdownGrace):
		logger.Warn("processor: shutdown grace period exceeded, exiting anyway", nil)
	}
}

func buildEventSink(cfg config.EventStoreSettings, logger observability.Logger) (eventstore.Sink, error) {
	if len(cfg.Addresses) == 0 {
		logger.Warn("processor: no clickhouse addresses configured, falling back to a log sink", nil)
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
			logger.Error("processor: metrics server exited", map[string]interface{}{"error": err.Error()})
		}
	}()
}
