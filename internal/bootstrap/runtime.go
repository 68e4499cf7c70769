// Package bootstrap wires the dispatch core from configuration. Both binaries
// share it so the API and the workers agree on providers, policy and stores.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/kursadbilgin/message-dispatch/internal/batch"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/consent"
	"github.com/kursadbilgin/message-dispatch/internal/dispatch"
	"github.com/kursadbilgin/message-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/message-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/message-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/provider"
	"github.com/kursadbilgin/message-dispatch/internal/provider/catalog"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/retry"
	"github.com/kursadbilgin/message-dispatch/internal/service"
	"github.com/kursadbilgin/message-dispatch/internal/template"
	"github.com/kursadbilgin/message-dispatch/internal/webhook"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Runtime holds the long-lived dependencies of a process.
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	DB     *gorm.DB
	SQLDB  *sql.DB
	Redis  *goredis.Client
	Rabbit *queue.RabbitMQ

	Messages repository.MessageRepository
	Attempts repository.AttemptRepository
	Batches  repository.BatchRepository
	Webhooks repository.WebhookRepository

	Publisher *queue.RabbitMQPublisher
	Jobs      *service.JobScheduler
	Registry  *provider.Registry
	Engine    *retry.Engine
	Processor *batch.Processor
	Ingestor  *webhook.Ingestor

	MessageService *service.MessageService
	BatchService   *service.BatchService
}

// NewLogger builds the process logger, rotating into LOG_FILE when set.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLoggerWithFile(cfg.LogLevel, observability.FileSink{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

// New connects to every backing store and builds the dispatch core. On error
// everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt = &Runtime{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	if err := rt.connect(ctx); err != nil {
		return nil, err
	}
	if err := rt.build(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) connect(ctx context.Context) error {
	cfg := rt.Config

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	rt.DB = db
	if rt.SQLDB, err = db.DB(); err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	if rt.Redis, err = infraredis.NewRedis(ctx, cfg.RedisURL); err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}

	if rt.Rabbit, err = queue.NewRabbitMQ(cfg.RabbitMQURL); err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	rt.Publisher = queue.NewRabbitMQPublisher(rt.Rabbit)
	return nil
}

func (rt *Runtime) build() error {
	cfg, logger := rt.Config, rt.Logger

	backoff, err := cfg.RetryBackoffSchedule()
	if err != nil {
		return err
	}
	policy := retry.Policy{MaxRetries: cfg.RetryMax, Backoff: backoff, RetryUnknown: cfg.RetryUnknown}

	providersCfg, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return err
	}
	renderer := template.NewRenderer(providersCfg.Templates)
	if err := renderer.Validate(); err != nil {
		return err
	}

	registry, err := catalog.Build(providersCfg, provider.Dependencies{
		Classifier:  provider.NewClassifier(),
		HTTPTimeout: cfg.ProviderTimeout(),
		Logger:      logger,
	}, cfg.HealthTTL(), logger)
	if err != nil {
		return fmt.Errorf("provider catalog failed: %w", err)
	}
	rt.Registry = registry

	rt.Messages = repository.NewGormMessageRepo(rt.DB)
	rt.Attempts = repository.NewGormAttemptRepo(rt.DB)
	rt.Batches = repository.NewGormBatchRepo(rt.DB)
	rt.Webhooks = repository.NewGormWebhookRepo(rt.DB)

	limiter, err := infraredis.NewRedisRateLimiter(rt.Redis)
	if err != nil {
		return err
	}
	ids := infraredis.NewProviderIDCache(rt.Redis, 0)
	checker := consent.NewCachedChecker(repository.NewGormConsentRepo(rt.DB), consent.DefaultTTL, logger)

	if rt.Jobs, err = service.NewJobScheduler(rt.Publisher); err != nil {
		return err
	}

	dispatcher, err := dispatch.NewDispatcher(registry, checker, limiter, logger)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(rt.Metrics)

	engine, err := retry.NewEngine(rt.Messages, rt.Attempts, dispatcher,
		infraredis.NewLocker(rt.Redis, cfg.LockTTL(), logger), policy, logger)
	if err != nil {
		return err
	}
	engine.SetScheduler(rt.Jobs)
	engine.SetProgressRecorder(rt.Batches)
	engine.SetProviderIDStore(ids)
	engine.SetMetrics(rt.Metrics)
	rt.Engine = engine

	processor, err := batch.NewProcessor(rt.Batches, rt.Messages, engine, registry, limiter, cfg.BatchConcurrency, logger)
	if err != nil {
		return err
	}
	processor.SetMetrics(rt.Metrics)
	rt.Processor = processor

	ingestor, err := webhook.NewIngestor(rt.Webhooks, rt.Messages, registry, cfg.WebhookMaxRetries, logger)
	if err != nil {
		return err
	}
	ingestor.SetMessageLookup(ids)
	ingestor.SetProgressRecorder(rt.Batches)
	ingestor.SetScheduler(rt.Jobs)
	ingestor.SetMetrics(rt.Metrics)
	rt.Ingestor = ingestor

	var owners service.OwnerLookup
	if types := cfg.OwnerTypeList(); len(types) > 0 {
		owners = service.NewOwnerTypes(types...)
	}

	if rt.MessageService, err = service.NewMessageService(rt.Messages, rt.Attempts, rt.Publisher, engine, policy, logger); err != nil {
		return err
	}
	rt.MessageService.SetRenderer(renderer)
	rt.MessageService.SetProviderCatalog(registry)
	rt.MessageService.SetOwnerLookup(owners)

	if rt.BatchService, err = service.NewBatchService(rt.Batches, rt.Messages, rt.Publisher, processor, policy, logger); err != nil {
		return err
	}
	rt.BatchService.SetRenderer(renderer)
	rt.BatchService.SetProviderCatalog(registry)
	rt.BatchService.SetOwnerLookup(owners)

	logger.Info("dispatch core ready",
		zap.Strings("providers", registry.Names()),
		zap.Int("maxRetries", policy.MaxRetries),
		zap.Bool("retryUnknown", policy.RetryUnknown),
	)
	return nil
}

// Close releases every connection opened by New.
func (rt *Runtime) Close() error {
	var result *multierror.Error
	if rt.Publisher != nil {
		if err := rt.Publisher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.Rabbit != nil {
		if err := rt.Rabbit.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.SQLDB != nil {
		if err := rt.SQLDB.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
