// Command server wires the market-data broker together: config, logger,
// persistence, market status, symbol transforms, provider catalogue,
// governor, smart cache, stats bus, stream subscriptions, the WebSocket
// gateway, per-provider batching pipelines, the REST pipeline, the
// scheduler, and the cold-storage archiver, behind one HTTP server with
// graceful shutdown.
//
// Startup is signal-driven: context cancellation on SIGINT/SIGTERM, ordered
// bring-up (storage before engines before transport), deferred Close calls,
// and an http.Server shut down from a goroutine watching ctx.Done().
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aoxiansheng/stock-api-sub013/internal/batching"
	"github.com/aoxiansheng/stock-api-sub013/internal/cache"
	"github.com/aoxiansheng/stock-api-sub013/internal/config"
	"github.com/aoxiansheng/stock-api-sub013/internal/governor"
	"github.com/aoxiansheng/stock-api-sub013/internal/logger"
	"github.com/aoxiansheng/stock-api-sub013/internal/mapping"
	"github.com/aoxiansheng/stock-api-sub013/internal/marketstatus"
	"github.com/aoxiansheng/stock-api-sub013/internal/provider"
	"github.com/aoxiansheng/stock-api-sub013/internal/rest"
	"github.com/aoxiansheng/stock-api-sub013/internal/scheduler"
	"github.com/aoxiansheng/stock-api-sub013/internal/stats"
	"github.com/aoxiansheng/stock-api-sub013/internal/store"
	"github.com/aoxiansheng/stock-api-sub013/internal/stream"
	"github.com/aoxiansheng/stock-api-sub013/internal/symbol"
	"github.com/aoxiansheng/stock-api-sub013/internal/wsgateway"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("market data broker starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	bus := stats.New(log, 1024)
	go bus.Run(ctx.Done(), func(evt stats.Event) error {
		log.Debug().
			Str("metricType", evt.MetricType).
			Str("metricName", evt.MetricName).
			Float64("value", evt.MetricValue).
			Msg("stats event")
		return nil
	})

	persistence, closePersistence := openStore(ctx, cfg, log)
	defer closePersistence(context.Background())

	statusEngine := marketstatus.New(defaultMarketConfigs())

	transformer := symbol.New(defaultProviderTables(), bus)

	catalogue := provider.NewStaticCatalogue()
	catalogue.Register("synth", newSynthClient(), []provider.Capability{
		{Name: "get-stock-quote", Priority: 1},
		{Name: "get-stock-candle", Priority: 1},
	})

	gov := governor.New(bus, log, 20)
	orchestrator := cache.New(cache.NewMemStore(), statusEngine, gov, bus, log)
	rules := mapping.NewStaticRegistry(nil)

	streamMgr := stream.New(bus, log)
	streamMgr.SetIdleTimeout(time.Duration(cfg.IdleTimeoutSec) * time.Second)
	streamMgr.SetReapInterval(time.Duration(cfg.IdleReapIntervalSec) * time.Second)
	go streamMgr.Run(ctx.Done())

	gateway := wsgateway.New(log)
	sub := subscriptionAdapter{mgr: streamMgr}

	batchCfg := batching.Config{
		BaseIntervalMs:     cfg.StreamBatchIntervalMs,
		MinIntervalMs:      cfg.BatchingMinIntervalMs,
		MaxIntervalMs:      cfg.BatchingMaxIntervalMs,
		HighLoadIntervalMs: cfg.BatchingHighLoadIntervalMs,
		LowLoadIntervalMs:  cfg.BatchingLowLoadIntervalMs,
		HighLoadThreshold:  cfg.BatchingHighLoadThreshold,
		LowLoadThreshold:   cfg.BatchingLowLoadThreshold,
		SampleWindow:       cfg.BatchingSampleWindow,
		AdjustmentStepMs:   cfg.BatchingAdjustmentStepMs,
		AdjustmentFreqMs:   cfg.BatchingAdjustmentFreqMs,
		DynamicEnabled:     cfg.DynamicBatchingEnabled,
	}
	pipeline := batching.New(batchCfg, "synth", rules, newBatchCallbacks(streamMgr, gateway, orchestrator, log), bus, log)
	go pipeline.Run(ctx)

	restHandler := rest.New(catalogue, transformer, orchestrator, rules, persistence, bus, log)

	sched := scheduler.New(log)
	registerScheduledJobs(sched, cfg, gov, statusEngine, log)
	sched.Start()
	defer sched.Stop(context.Background())

	if cfg.S3Bucket != "" {
		if mongoStore, ok := persistence.(*store.MongoStore); ok {
			archiver, err := buildArchiver(ctx, cfg, mongoStore, log)
			if err != nil {
				log.Warn().Err(err).Msg("archiver disabled: could not initialize S3 uploader")
			} else {
				go archiver.Run(ctx)
			}
		} else {
			log.Warn().Msg("archiver disabled: S3_BUCKET set but no MongoDB store configured")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", restHandler.Router())
	mux.HandleFunc("/stream", gateway.Handler(sub))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","activeConnections":%d,"streamClients":%d}`,
			restHandler.ActiveConnections(), gateway.ClientCount())
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		bus.EmitShutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}

	log.Info().Msg("market data broker stopped")
}
