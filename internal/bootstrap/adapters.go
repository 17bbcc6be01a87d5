package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/adapters/amqpbroker"
	"github.com/target/placement-fulfillment/internal/adapters/gemini"
	"github.com/target/placement-fulfillment/internal/adapters/mailer"
	"github.com/target/placement-fulfillment/internal/adapters/probe"
	"github.com/target/placement-fulfillment/internal/adapters/publisher"
	"github.com/target/placement-fulfillment/internal/adapters/ratelimit"
	"github.com/target/placement-fulfillment/internal/adapters/reaper"
	redisadapter "github.com/target/placement-fulfillment/internal/adapters/redis"
	"github.com/target/placement-fulfillment/internal/adapters/reststore"
	schedrunner "github.com/target/placement-fulfillment/internal/adapters/scheduler"
	"github.com/target/placement-fulfillment/internal/adapters/taskrunner"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/data"
	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
)

// probeUserAgent identifies provider probes in remote access logs.
const probeUserAgent = "placement-fulfillment-probe/1.0"

// stores groups the order, provider and user backends selected by STORE_DRIVER.
type stores struct {
	Orders    core.OrderRepository
	Providers core.ProviderRepository
	Users     core.UserDirectory
}

func buildStores(cfg config.StoreConfig, db *sql.DB) (stores, error) {
	if cfg.Driver == config.StoreDriverREST {
		client, err := reststore.New(reststore.OptionsFromConfig(cfg))
		if err != nil {
			return stores{}, fmt.Errorf("create rest store: %w", err)
		}
		return stores{
			Orders:    reststore.NewOrderStore(client),
			Providers: reststore.NewProviderStore(client),
			Users:     reststore.NewUserStore(client),
		}, nil
	}
	if db == nil {
		return stores{}, errors.New("postgres store requires a database connection")
	}
	tp := data.RealTimeProvider{}
	return stores{
		Orders:    data.NewOrderRepo(db, tp),
		Providers: data.NewProviderRepo(db, tp),
		Users:     data.NewUserRepo(db),
	}, nil
}

// brokerHandle is the selected task broker plus its release hook.
type brokerHandle struct {
	Broker core.TaskBroker
	// Requeuer is nil for brokers that redeliver on their own.
	Requeuer core.LeaseRequeuer
	Close    func() error
}

func buildBroker(ctx context.Context, cfg config.QueueConfig, db *sql.DB, logger *slog.Logger) (brokerHandle, error) {
	if cfg.Broker == config.BrokerAMQP {
		b, err := amqpbroker.New(ctx, amqpbroker.Options{
			URL:          cfg.AMQPURL,
			Queues:       []string{model.QueuePublish, model.QueueNotification, model.QueueMaintenance},
			PollInterval: cfg.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return brokerHandle{}, fmt.Errorf("connect amqp broker: %w", err)
		}
		return brokerHandle{Broker: b, Close: b.Close}, nil
	}
	if db == nil {
		return brokerHandle{}, errors.New("postgres broker requires a database connection")
	}
	repo := data.NewTaskRepo(db, data.RepoConfig{Logger: logger})
	return brokerHandle{Broker: repo, Requeuer: repo, Close: func() error { return nil }}, nil
}

//nolint:ireturn // the mailer depends on MAIL_DRIVER.
func buildMailer(cfg config.MailConfig, logger *slog.Logger) (core.Mailer, error) {
	if cfg.Driver == config.MailDriverSMTP {
		m, err := mailer.NewSMTP(cfg)
		if err != nil {
			return nil, fmt.Errorf("create smtp mailer: %w", err)
		}
		return m, nil
	}
	return mailer.NewLog(logger), nil
}

//nolint:ireturn // the limiter depends on QUEUE_RATE_LIMIT_SCOPE.
func buildRateLimiter(cfg config.QueueConfig, client redis.UniversalClient, logger *slog.Logger) (core.RateLimiter, error) {
	if cfg.RateLimit <= 0 {
		return nil, nil
	}
	if cfg.RateLimitScope == config.RateLimitGlobal {
		if client == nil {
			logger.Warn("global rate limit requested without redis; falling back to local limiting")
			return ratelimit.NewLocal(cfg.RateLimit), nil
		}
		l, err := redisadapter.NewRateLimiter(redisadapter.RateLimiterOptions{Client: client, PerSecond: cfg.RateLimit})
		if err != nil {
			return nil, fmt.Errorf("create redis rate limiter: %w", err)
		}
		return l, nil
	}
	return ratelimit.NewLocal(cfg.RateLimit), nil
}

//nolint:ireturn // the publisher depends on PUBLISHER_DRIVER.
func buildPublisher(cfg config.PublisherConfig, timeout time.Duration, logger *slog.Logger) (core.Publisher, error) {
	if cfg.Driver == config.PublisherFake {
		p, err := publisher.NewFakePublisher(cfg.FakeOutcomes)
		if err != nil {
			return nil, fmt.Errorf("create fake publisher: %w", err)
		}
		logger.Warn("fake publisher enabled; nothing will be posted", "scripted_domains", len(cfg.FakeOutcomes))
		return p, nil
	}
	return publisher.NewWordPressPublisher(publisher.WordPressOptions{
		Client:       &http.Client{Timeout: timeout},
		MaxErrorBody: cfg.MaxErrorBody,
		Logger:       logger,
	}), nil
}

// buildContentGenerator returns nil when no Gemini key is configured; the
// content pipeline then always uses the templated article.
//
//nolint:ireturn // nil selects the templated fallback.
func buildContentGenerator(ctx context.Context, cfg config.ContentConfig, logger *slog.Logger) core.ContentGenerator {
	if cfg.GeminiAPIKey == "" {
		logger.InfoContext(ctx, "no gemini api key configured; using templated articles")
		return nil
	}
	gen, err := gemini.New(ctx, gemini.Options{
		APIKey:     cfg.GeminiAPIKey,
		TextModel:  cfg.TextModel,
		ImageModel: cfg.ImageModel,
		Logger:     logger,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to create gemini generator; using templated articles", "error", err)
		return nil
	}
	return gen
}

func buildProber(cfg config.FulfillmentConfig) *probe.HTTPProber {
	return probe.NewHTTPProber(probe.Options{
		Client:    &http.Client{Timeout: cfg.ProbeTimeout},
		Timeout:   cfg.ProbeTimeout,
		UserAgent: probeUserAgent,
	})
}

// WorkerConfig contains configuration for one queue's task runner.
type WorkerConfig struct {
	Queue       string
	Concurrency int
	App         *config.AppConfig
	Services    ServiceContainer
	Logger      *slog.Logger
}

// RunWorker consumes one queue until ctx is cancelled.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	svcs := cfg.Services
	opts := taskrunner.RunnerOptions{
		Queue:         svcs.Queue,
		QueueName:     cfg.Queue,
		Logger:        cfg.Logger,
		Concurrency:   cfg.Concurrency,
		PollInterval:  cfg.App.Queue.PollInterval,
		RetryDelay:    cfg.App.Queue.RetryBaseDelay,
		ShutdownGrace: cfg.App.Queue.ShutdownGrace,
		Limiter:       svcs.Limiter,
		Metrics:       svcs.Observability.MetricsSink,
	}
	// Assign only non-nil pointers so optional ports stay nil interfaces.
	if svcs.Tracker != nil {
		opts.Tracker = svcs.Tracker
	}
	switch cfg.Queue {
	case model.QueuePublish:
		opts.Orchestrator = svcs.Orchestrator
	case model.QueueNotification:
		opts.Notifications = svcs.Notifications
	case model.QueueMaintenance:
		opts.Maintenance = svcs.Maintenance
	}

	runner, err := taskrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create %s worker: %w", cfg.Queue, err)
	}
	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run %s worker: %w", cfg.Queue, runErr)
	}
	return nil
}

// SchedulerConfig contains configuration for the periodic scheduler.
type SchedulerConfig struct {
	DB       *sql.DB
	Enqueuer core.TaskEnqueuer
	Config   config.PeriodicConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunScheduler starts the periodic scheduler.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:       cfg.DB,
		Enqueuer: cfg.Enqueuer,
		Config:   cfg.Config,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}
	return runner.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB       *sql.DB
	Requeuer core.LeaseRequeuer
	Logger   *slog.Logger
	Config   config.ReaperConfig
	Metrics  statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:               cfg.DB,
		Requeuer:         cfg.Requeuer,
		SkipLeaseRequeue: cfg.Requeuer == nil,
		Config:           cfg.Config,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}
	return runner.Run(ctx)
}
