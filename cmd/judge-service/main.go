// Command judge-service runs the grading engine: it drains any
// submissions left queued from a previous run, then subscribes to new
// submission notifications and judges each one independently.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/common/mq"
	"fuzoj/internal/common/storage"
	"fuzoj/internal/judge/config"
	"fuzoj/internal/judge/dispatcher"
	"fuzoj/internal/judge/httpapi"
	"fuzoj/internal/judge/reporter"
	"fuzoj/internal/judge/store"
	"fuzoj/internal/judge/submission"
	"fuzoj/internal/judge/taskstore"
	"fuzoj/pkg/utils/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the app config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if err := logger.Init(cfg.Logger); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mysql, err := db.NewMySQLWithConfig(&cfg.MySQL)
	if err != nil {
		logger.Fatal(ctx, "mysql connect failed", zap.Error(err))
	}
	defer mysql.Close()

	redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
	if err != nil {
		logger.Fatal(ctx, "redis connect failed", zap.Error(err))
	}

	minioStorage, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		logger.Fatal(ctx, "minio connect failed", zap.Error(err))
	}

	kafkaQueue, err := mq.NewKafkaQueue(cfg.Kafka)
	if err != nil {
		logger.Fatal(ctx, "kafka connect failed", zap.Error(err))
	}
	defer kafkaQueue.Close()

	taskStore := taskstore.New(taskstore.Config{
		LocalRoot:   cfg.TaskStore.LocalRoot,
		Bucket:      cfg.TaskStore.Bucket,
		MaxEntries:  cfg.TaskStore.MaxEntries,
		MaxBytes:    cfg.TaskStore.MaxBytes,
		TTL:         cfg.TaskStore.TTL,
		LockTTL:     cfg.TaskStore.LockTTL,
		WaitTimeout: cfg.TaskStore.WaitTimeout,
		PollEvery:   cfg.TaskStore.PollEvery,
	}, minioStorage, redisCache)

	registry := config.NewRegistry(cfg)

	subCfg := submission.Config{
		BasePath:        cfg.Sandbox.BasePath,
		TemporaryPath:   cfg.Sandbox.TemporaryPath,
		IsolatePath:     cfg.Sandbox.IsolatePath,
		AlternativePath: cfg.Sandbox.AlternativePath,
		Registry:        registry,
		Resolver:        taskstore.LatestResolver{Store: taskStore},
	}

	submissionStore := store.New(mysql)
	limiter := mq.NewTokenLimiter(cfg.Dispatcher.MaxConcurrent)

	disp := dispatcher.New(submissionStore, kafkaQueue, cfg.Dispatcher.Topic, subCfg, limiter,
		func(submissionID string) *reporter.Reporter {
			return reporter.New(mysql, submissionID)
		})

	go func() {
		if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal(ctx, "dispatcher terminated", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: httpapi.New(submissionStore),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "diagnostic http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TaskStore.WaitTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
