// Command report-service runs the asynchronous report generation service:
// the HTTP intake, the queue consumer driving the job processor, and the
// schedule ticker, over MongoDB, Redis, and S3-compatible object storage.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/api"
	"github.com/lorenzovborges/ReportSys/internal/config"
	"github.com/lorenzovborges/ReportSys/internal/delivery"
	"github.com/lorenzovborges/ReportSys/internal/logging"
	"github.com/lorenzovborges/ReportSys/internal/metrics"
	"github.com/lorenzovborges/ReportSys/internal/model"
	"github.com/lorenzovborges/ReportSys/internal/processor"
	"github.com/lorenzovborges/ReportSys/internal/queue"
	"github.com/lorenzovborges/ReportSys/internal/scheduler"
	"github.com/lorenzovborges/ReportSys/internal/store"
)

func main() {
	ctx := context.Background()

	cfg := config.MustLoad()

	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	st, err := store.NewStore(ctx, store.Config{
		WriteURI:        cfg.MongoWriteURI,
		ReadURI:         cfg.MongoReadURI,
		Database:        cfg.MongoDatabase,
		CursorBatchSize: int32(cfg.CursorBatchSize),
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("failed to initialize document store", zap.Error(err))
	}

	if err := st.EnsureIndexes(ctx, cfg.AllowedSourceCollections, cfg.ManageSourceIndexes); err != nil {
		logger.Fatal("failed to ensure indexes", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	cancel()

	adapter, err := delivery.New(delivery.Config{
		Mode:                  model.StorageMode(cfg.StorageMode),
		EnableExternalStorage: cfg.EnableExternalStorage,
		Policy:                cfg.StoragePolicy,
		Endpoint:              cfg.S3Endpoint,
		AccessKey:             cfg.S3AccessKey,
		SecretKey:             cfg.S3SecretKey,
		Bucket:                cfg.S3Bucket,
		Region:                cfg.S3Region,
		LocalDir:              cfg.StorageFilesystemRoot,
		SignedURLTTL:          cfg.SignedURLTTL,
		Logger:                logger,
	})
	if err != nil {
		logger.Fatal("failed to initialize storage adapter", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	q := queue.NewQueue(redisClient, cfg.QueueName)

	proc := processor.New(processor.Config{
		Store:    st,
		Delivery: adapter,
		Settings: cfg,
		Logger:   logger,
		Metrics:  m,
	})

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		Client:           redisClient,
		Prefix:           cfg.QueueName,
		Concurrency:      cfg.MaxJobConcurrency,
		MaxAttempts:      cfg.QueueAttempts,
		RetryBackoff:     cfg.QueueBackoffBase,
		RemoveOnComplete: cfg.RemoveOnComplete,
		RemoveOnFail:     cfg.RemoveOnFail,
		Handler:          proc.Process,
		Logger:           logger,
		Retries:          m.QueueRetries,
	})
	if err != nil {
		logger.Fatal("failed to initialize queue consumer", zap.Error(err))
	}
	consumer.Start()

	ticker := scheduler.New(scheduler.Config{
		Store:        st,
		Queue:        q,
		Logger:       logger,
		PollInterval: cfg.SchedulerPollInterval,
		Retention:    cfg.Retention(),
	})
	ticker.Start(ctx)

	apiServer := api.NewServer(api.Config{
		Port:                     cfg.HTTPPort,
		Logger:                   logger,
		Store:                    st,
		Queue:                    q,
		Delivery:                 adapter,
		StorePinger:              st,
		RedisClient:              redisClient,
		Retention:                cfg.Retention(),
		AllowedSourceCollections: cfg.AllowedSourceCollections,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting report service",
			zap.String("service", cfg.ServiceName),
			zap.String("environment", cfg.Environment),
			zap.Int("port", cfg.HTTPPort),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	var shutdownOnce sync.Once
	shutdownAll := func() {
		shutdownOnce.Do(func() {
			// Stop intake first, then the ticker, then drain in-flight
			// jobs, then close the connections underneath them.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown failed", zap.Error(err))
				_ = srv.Close()
			}
			ticker.Stop()
			consumer.Close()
			if err := redisClient.Close(); err != nil {
				logger.Error("close redis client", zap.Error(err))
			}
			if err := st.Close(shutdownCtx); err != nil {
				logger.Error("close document store", zap.Error(err))
			}
			logger.Info("shutdown complete")
		})
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", zap.Error(err))
		shutdownAll()
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		shutdownAll()
	}
}
