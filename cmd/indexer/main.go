// Command indexer starts the postings extraction service.
//
// Batches arrive either over HTTP (POST /api/v1/batches) or from the
// document-batches Kafka topic. Each batch is extracted into postings chunks
// under the data directory, recorded in PostgreSQL, and its processed document
// set cached in Redis. Completed batches are announced on the batch.complete
// topic.
//
// Usage:
//
//	go run ./cmd/indexer [-config configs/development.yaml]
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
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/handler"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/indexer/registry"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting indexer service",
		"port", cfg.Server.Port,
		"data_dir", cfg.Indexer.DataDir,
		"max_threads", cfg.Indexer.MaxThreads,
	)

	if err := run(cfg); err != nil {
		slog.Error("indexer service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("indexer service stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	pcfg, err := pipeline.ConfigFrom(cfg)
	if err != nil {
		return fmt.Errorf("configuring pipeline: %w", err)
	}
	for _, dir := range []string{cfg.Indexer.DataDir, cfg.Indexer.ChunkDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	pipe := pipeline.New(pcfg, m)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	batches := registry.NewBatchStore(db)
	if err := batches.EnsureSchema(ctx); err != nil {
		return err
	}
	slog.Info("connected to postgres")

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.Ping))
	checker.Register("data_dir", health.DirCheck(cfg.Indexer.DataDir))

	var docSets *registry.DocSetCache
	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, document sets will not be cached", "error", err)
	} else {
		defer rdb.Close()
		docSets = registry.NewDocSetCache(rdb, cfg.Redis.CacheTTL, m)
		checker.Register("redis", health.OptionalCheck(health.PingCheck(rdb.Ping)))
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	batchProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentBatches)
	defer batchProducer.Close()
	completeProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.BatchComplete)
	defer completeProducer.Close()

	deps := consumer.Deps{
		Pipeline:     pipe,
		Batches:      batches,
		Completed:    completeProducer,
		MaxDocuments: cfg.Indexer.MaxDocuments,
	}
	var docSetStore handler.DocSetStore
	if docSets != nil {
		deps.DocSets = docSets
		docSetStore = docSets
	}
	kafkaConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentBatches, consumer.HandleMessage(deps))
	defer kafkaConsumer.Close()
	indexConsumer := consumer.New(kafkaConsumer)

	h := handler.New(pipe, batches, docSetStore, publisher.New(batches, batchProducer), handler.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		MaxDocuments: cfg.Indexer.MaxDocuments,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.NewRouter(h, m, checker),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.Server.Port {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, metrics.Handler())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("consuming batches from kafka",
			"topic", cfg.Kafka.Topics.DocumentBatches,
			"group", cfg.Kafka.ConsumerGroup,
		)
		return indexConsumer.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("indexer service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})
	return g.Wait()
}
