package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/bootstrap"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	metricsPortOffset = 1
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer rt.Close() //nolint:errcheck

	consumer := queue.NewRabbitMQConsumer(rt.Rabbit, cfg.WorkerConcurrency, logger)
	defer consumer.Close() //nolint:errcheck

	worker, err := service.NewWorkerService(consumer, rt.Engine, rt.Processor, rt.Ingestor, rt.Jobs,
		service.WorkerConcurrency{
			Send:    cfg.WorkerConcurrency,
			Batch:   max(cfg.WorkerConcurrency/4, 1),
			Webhook: max(cfg.WorkerConcurrency/2, 1),
		}, logger)
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(rt.Metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort+metricsPortOffset),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("message-dispatch worker started", zap.Int("concurrency", cfg.WorkerConcurrency))
		return worker.Start(groupCtx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("message-dispatch worker stopped")
}
