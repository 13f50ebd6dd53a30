// Command ingestor runs C4: one ChainWorker per configured chain, each
// subscribing to its chain's WebSocket endpoint and publishing decoded logs
// onto the bus. A single long-running process, no subcommands, per §6.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/ipcasj/ethhook-sub004/internal/bus"
	"github.com/ipcasj/ethhook-sub004/internal/config"
	"github.com/ipcasj/ethhook-sub004/internal/domain"
	"github.com/ipcasj/ethhook-sub004/internal/ingestor"
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
		log.Fatalf("ingestor: failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("ingestor")
	metrics := observability.NewPrometheusMetrics(settings.Observability.MetricsNamespace)
	if settings.Observability.MetricsEnabled {
		startMetricsServer(settings.Observability.MetricsAddr, metrics, logger)
	}

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
		log.Fatalf("ingestor: failed to connect to bus: %v", err)
	}
	defer busClient.Close()
	go busClient.HealthCheckLoop(ctx, settings.Redis.ReadTimeout)

	if len(settings.Chains) == 0 {
		log.Fatal("ingestor: no chains configured")
	}

	workerCfg := ingestor.Config{
		ReconnectBaseDelay: settings.Ingestor.ReconnectBaseDelay,
		ReconnectMaxDelay:  settings.Ingestor.ReconnectMaxDelay,
		HeartbeatTimeout:   settings.Ingestor.HeartbeatTimeout,
		Lookback:           settings.Ingestor.BackfillLookback,
		DedupSize:          settings.Ingestor.DedupCacheSize,
		DegradedBufferSize: settings.Ingestor.DegradedBufferSize,
		PublishRetryBudget: settings.Ingestor.PublishRetryBudget,
	}

	var wg sync.WaitGroup
	for _, chainSettings := range settings.Chains {
		chain := domain.Chain{
			ChainID:     chainSettings.ChainID,
			WSURL:       chainSettings.WSURL,
			HTTPURL:     chainSettings.HTTPURL,
			DisplayName: chainSettings.DisplayName,
		}

		worker, err := ingestor.New(chain, workerCfg, dialEthClient, busClient, logger, metrics)
		if err != nil {
			log.Fatalf("ingestor: failed to build chain worker for %s: %v", chain.DisplayName, err)
		}

		wg.Add(1)
		go func(chain domain.Chain) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				logger.Error("ingestor: chain worker exited with error", map[string]interface{}{
					"chain_id": chain.ChainID, "error": err.Error(),
				})
			}
		}(chain)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("ingestor: received shutdown signal", nil)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("ingestor: stopped gracefully", nil)
	case <-time.After(settings.ShutdownGrace):
		logger.Warn("ingestor: shutdown grace period exceeded, exiting anyway", nil)
	}
}

// dialEthClient adapts ethclient.DialContext to ingestor.Dialer.
func dialEthClient(ctx context.Context, wsURL string) (ingestor.EthClient, error) {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return client, nil
}

func startMetricsServer(addr string, metrics *observability.PrometheusMetrics, logger observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("ingestor: metrics server exited", map[string]interface{}{"error": err.Error()})
		}
	}()
}
