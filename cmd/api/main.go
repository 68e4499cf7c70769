package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/message-dispatch/internal/bootstrap"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/handler"
	"github.com/kursadbilgin/message-dispatch/internal/service"
	"github.com/kursadbilgin/message-dispatch/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

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

	app := fiber.New(fiber.Config{
		AppName:      "message-dispatch",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(rt.Metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, rt.SQLDB, rt.Redis, rt.Rabbit)
	handler.RegisterMetricsRoute(app, rt.Metrics.Handler())
	if err := handler.RegisterMessageRoutes(app, rt.MessageService, rt.BatchService); err != nil {
		logger.Fatal("message routes failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(app, rt.Ingestor, cfg.WebhookBaseURL); err != nil {
		logger.Fatal("webhook routes failed", zap.Error(err))
	}
	if err := handler.RegisterProviderRoutes(app, rt.Registry); err != nil {
		logger.Fatal("provider routes failed", zap.Error(err))
	}

	scheduler, err := service.NewScheduler(rt.Messages, rt.Publisher, cfg.ScanInterval(), 0, logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}
	retryScanner, err := service.NewRetryScanner(rt.Messages, rt.Webhooks, rt.Publisher, cfg.ScanInterval(), 0, logger)
	if err != nil {
		logger.Fatal("retry scanner initialization failed", zap.Error(err))
	}
	retryScanner.SetStaleSendingAfter(cfg.LockTTL())

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Start(groupCtx) })
	g.Go(func() error { return retryScanner.Start(groupCtx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("message-dispatch api started", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api stopped with error", zap.Error(err))
		return
	}
	logger.Info("message-dispatch api stopped")
}
