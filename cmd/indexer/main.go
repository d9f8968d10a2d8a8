package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/consumer"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/executor"
	searchhandler "github.com/Adithya-Monish-Kumar-K/segment-index/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/server"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging)

	if err := run(cfg); err != nil {
		slog.Error("indexer service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting indexer service",
		"port", cfg.Server.Port,
		"data_dir", cfg.Indexer.DataDir,
		"registry", cfg.Registry.Driver,
		"merge_strategy", cfg.Indexer.MergeStrategy,
	)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics.Port, promReg)
		if err != nil {
			return err
		}
		defer shutdownMetrics(context.Background())
	}

	reg, err := registry.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	checker := health.NewChecker()
	checker.Register("registry", health.Ping(reg.Ping, false))

	var queryCache *cache.QueryCache
	opts := []indexer.Option{indexer.WithMetrics(m)}
	if cfg.Redis.Addr != "" {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, search caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache, err = cache.New(ctx, redisClient, cfg.Redis.CacheTTL, m)
			if err != nil {
				return fmt.Errorf("initialising search cache: %w", err)
			}
			opts = append(opts, indexer.WithChangeHook(queryCache.OnIndexChange))
			checker.Register("redis", health.Ping(redisClient.Ping, true))
			slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	engine, err := indexer.NewEngine(ctx, cfg.Indexer, reg, opts...)
	if err != nil {
		return fmt.Errorf("starting index engine: %w", err)
	}
	defer engine.Close()
	for _, f := range engine.LoadFailures() {
		slog.Warn("segment unavailable", "segment_id", f.SegmentID, "error", f.Err)
	}
	checker.Register("index_engine", health.Ping(engine.Ping, false))
	engine.StartMergeLoop(ctx)

	var wg sync.WaitGroup
	if len(cfg.Kafka.Brokers) > 0 {
		kc := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.FileEvents, consumer.HandleFileEvents(engine))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := kc.Start(ctx); err != nil {
				slog.Error("file event consumer stopped", "error", err)
			}
			kc.Close()
		}()
		slog.Info("consuming file events",
			"topic", cfg.Kafka.FileEvents,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}

	handler := server.New(server.Deps{
		Ingest:         ingesthandler.New(engine),
		Search:         searchhandler.New(executor.New(engine, reg, m), queryCache, cfg.Search.Timeout, m),
		Health:         checker,
		Metrics:        m,
		WriteLimiter:   middleware.NewLimiter(cfg.Ingest.RateLimit, cfg.Ingest.Burst),
		RequestTimeout: cfg.Server.WriteTimeout,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("indexer service listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		wg.Wait()
		return fmt.Errorf("serving http: %w", err)
	}
	wg.Wait()
	slog.Info("indexer service stopped")
	return nil
}
