package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/data"
	"github.com/target/placement-fulfillment/internal/domain/model"
	domaintask "github.com/target/placement-fulfillment/internal/domain/task"
	"github.com/target/placement-fulfillment/internal/observability/notify/pagerduty"
	"github.com/target/placement-fulfillment/internal/observability/notify/slack"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
	"github.com/target/placement-fulfillment/internal/service"
	"github.com/target/placement-fulfillment/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Queue         *service.TaskQueue
	Tracker       *service.TaskTracker
	Providers     *service.ProviderDirectory
	Orchestrator  *service.Orchestrator
	Notifications *service.NotificationService
	Maintenance   *service.MaintenanceService
	OrderAdmin    *service.OrderAdminService
	Limiter       core.RateLimiter
	// Requeuer sweeps lapsed leases; nil when the broker redelivers itself.
	Requeuer      core.LeaseRequeuer
	Observability ObservabilityContainer

	closeBroker func() error
}

// Close releases the broker connection and metrics sockets.
func (c *ServiceContainer) Close() error {
	var errs []error
	if c.Queue != nil {
		c.Queue.StopAllListeners()
	}
	if c.closeBroker != nil {
		if err := c.closeBroker(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if c.Observability.StatsdClient != nil {
		if err := c.Observability.StatsdClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close statsd client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// MetricsSink fans out to every enabled backend; nil when none is.
	MetricsSink  statsd.Sink
	StatsdClient *statsd.Client
	// MetricsHandler serves the Prometheus registry on /metrics.
	MetricsHandler  http.Handler
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	var statsdClient *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:     "placement",
			Logger:     logger,
			GlobalTags: cfg.Metrics.StatsdTags,
		})
		if err != nil {
			logger.Error("failed to initialise statsd client", "error", err)
		} else {
			statsdClient = client
		}
	}

	var prom *statsd.PrometheusSink
	var handler http.Handler
	if cfg.Metrics.PrometheusEnabled {
		prom = statsd.NewPrometheusSink(cfg.Metrics.PrometheusNamespace)
		handler = prom.Handler()
	}

	return ObservabilityContainer{
		MetricsSink:     statsd.NewFanout(statsdClient, prom),
		StatsdClient:    statsdClient,
		MetricsHandler:  handler,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(logger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	notifierLogger := logger.With("component", "failure_notifier")
	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: notifierLogger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:     cfg.Slack.WebhookURL,
			Channel:        cfg.Slack.Channel,
			Username:       cfg.Slack.Username,
			Timeout:        cfg.Timeout,
			RetryLimit:     cfg.RetryLimit,
			OrderURLPrefix: cfg.Slack.OrderURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:     notifierLogger,
		Sinks:      sinks,
		SkipQueues: cfg.SkipQueues,
	})
}

func newTaskQueue(cfg config.QueueConfig, broker core.TaskBroker, tracker *service.TaskTracker, obs ObservabilityContainer, logger *slog.Logger) (*service.TaskQueue, error) {
	leases, err := domaintask.NewLeasePolicy(cfg.Lease, map[string]time.Duration{
		model.QueueNotification: cfg.NotificationLease,
	})
	if err != nil {
		return nil, fmt.Errorf("create lease policy: %w", err)
	}
	return service.NewTaskQueue(service.TaskQueueOptions{
		Broker:          broker,
		LeasePolicy:     leases,
		Tracker:         tracker,
		EnqueueTimeout:  cfg.EnqueueTimeout,
		Logger:          logger,
		FailureNotifier: obs.FailureNotifier,
		NotifierOptions: domaintask.NotifierOptions{WaitWindow: cfg.PollInterval},
	})
}

// fulfillmentServices wires the publish queue pipeline.
func fulfillmentServices(ctx context.Context, cfg *config.AppConfig, st stores, queue *service.TaskQueue, obs ObservabilityContainer, logger *slog.Logger) (*service.ProviderDirectory, *service.Orchestrator, error) {
	providers, err := service.NewProviderDirectory(service.ProviderDirectoryOptions{
		Repo:         st.Providers,
		Prober:       buildProber(cfg.Fulfillment),
		ProbeTimeout: cfg.Fulfillment.ProbeTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create provider directory: %w", err)
	}

	pub, err := buildPublisher(cfg.Publisher, cfg.Fulfillment.PublishTimeout, logger)
	if err != nil {
		return nil, nil, err
	}

	content := service.NewContentPipeline(service.ContentPipelineOptions{
		Generator: buildContentGenerator(ctx, cfg.Content, logger),
		Config:    cfg.Content,
		Logger:    logger,
	})

	orch, err := service.NewOrchestrator(service.OrchestratorOptions{
		Orders:    st.Orders,
		Providers: providers,
		Content:   content,
		Publisher: pub,
		Enqueuer:  queue,
		Config:    cfg.Fulfillment,
		Logger:    logger,
		Metrics:   obs.MetricsSink,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create orchestrator: %w", err)
	}
	return providers, orch, nil
}

// NewServices wires repositories, adapters and services. The returned
// container owns the broker connection; call Close when done.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.DB == nil {
		return ServiceContainer{}, errors.New("database connection is required for task results")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	obs := buildObservability(logger, cfg.Observability)

	st, err := buildStores(cfg.Store, deps.DB)
	if err != nil {
		return ServiceContainer{}, err
	}

	results := data.NewTaskResultRepo(deps.DB)
	tracker, err := service.NewTaskTracker(service.TaskTrackerOptions{Repo: results, Logger: logger})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create task tracker: %w", err)
	}

	broker, err := buildBroker(ctx, cfg.Queue, deps.DB, logger)
	if err != nil {
		return ServiceContainer{}, err
	}
	container := ServiceContainer{
		Tracker:       tracker,
		Requeuer:      broker.Requeuer,
		Observability: obs,
		closeBroker:   broker.Close,
	}
	fail := func(err error) (ServiceContainer, error) {
		if cerr := container.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return ServiceContainer{}, err
	}

	if container.Queue, err = newTaskQueue(cfg.Queue, broker.Broker, tracker, obs, logger); err != nil {
		return fail(fmt.Errorf("create task queue: %w", err))
	}
	if container.Limiter, err = buildRateLimiter(cfg.Queue, deps.RedisClient, logger); err != nil {
		return fail(err)
	}

	if container.Providers, container.Orchestrator, err = fulfillmentServices(ctx, cfg, st, container.Queue, obs, logger); err != nil {
		return fail(err)
	}

	mail, err := buildMailer(cfg.Mail, logger)
	if err != nil {
		return fail(err)
	}
	if container.Notifications, err = service.NewNotificationService(service.NotificationServiceOptions{
		Orders: st.Orders,
		Users:  st.Users,
		Mailer: mail,
		Config: cfg.Mail,
		Logger: logger,
	}); err != nil {
		return fail(fmt.Errorf("create notification service: %w", err))
	}

	if container.Maintenance, err = service.NewMaintenanceService(service.MaintenanceServiceOptions{
		Orders:    st.Orders,
		Results:   results,
		Enqueuer:  container.Queue,
		Providers: container.Providers,
		Tracker:   tracker,
		Periodic:  cfg.Periodic,
		Retention: cfg.Tracker,
		Logger:    logger,
	}); err != nil {
		return fail(fmt.Errorf("create maintenance service: %w", err))
	}

	if container.OrderAdmin, err = service.NewOrderAdminService(service.OrderAdminServiceOptions{
		Orders:    st.Orders,
		Enqueuer:  container.Queue,
		Results:   results,
		Canceller: container.Queue,
		Logger:    logger,
	}); err != nil {
		return fail(fmt.Errorf("create order admin service: %w", err))
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(deps.ctx, &HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}
	return handles
}

func workerConcurrency(cfg config.QueueConfig, queue string) int {
	switch queue {
	case model.QueuePublish:
		return cfg.PublishWorkers
	case model.QueueNotification:
		return cfg.NotificationWorkers
	default:
		return cfg.MaintenanceWorkers
	}
}

func newWorkerBackgroundService(deps *serviceStartupDeps, mode config.ServiceMode) backgroundService {
	queue := mode.Queue()
	return backgroundService{
		mode: mode,
		name: queue + " worker",
		start: func(ctx context.Context) error {
			return RunWorker(ctx, WorkerConfig{
				Queue:       queue,
				Concurrency: workerConcurrency(deps.cfg.Config.Queue, queue),
				App:         deps.cfg.Config,
				Services:    deps.cfg.Services,
				Logger:      deps.logger,
			})
		},
	}
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			return RunScheduler(ctx, SchedulerConfig{
				DB:       deps.cfg.DB,
				Enqueuer: deps.cfg.Services.Queue,
				Config:   deps.cfg.Config.Periodic,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperConfig{
				DB:       deps.cfg.DB,
				Requeuer: deps.cfg.Services.Requeuer,
				Logger:   deps.logger,
				Config:   deps.cfg.Config.Reaper,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps, config.ServiceModePublishWorker),
		newWorkerBackgroundService(deps, config.ServiceModeNotificationWorker),
		newWorkerBackgroundService(deps, config.ServiceModeMaintenanceWorker),
		newSchedulerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		cancel:       cancel,
		errCh:        errCh,
		httpServer:   result.HTTPServer,
		httpShutdown: cfg.Config.HTTP.ShutdownTimeout,
		queueGrace:   cfg.Config.Queue.ShutdownGrace,
		logger:       logger,
		backgrounds:  result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel       context.CancelFunc
	errCh        <-chan error
	httpServer   *http.Server
	httpShutdown time.Duration
	// queueGrace is how long workers may finish in-flight tasks.
	queueGrace  time.Duration
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		if err := ShutdownHTTPServer(cfg.httpServer, cfg.httpShutdown, cfg.logger); err != nil {
			return err
		}
	}

	wait := shutdownWaitTimeout
	if cfg.queueGrace+5*time.Second > wait {
		wait = cfg.queueGrace + 5*time.Second
	}
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, wait, cfg.logger)
	}
	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, timeout time.Duration, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(timeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
