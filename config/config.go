package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: Bearer token verification
//   - database.go: Database, Redis and order store configuration
//   - http.go: HTTP server configuration
//   - queue.go: Task broker, worker and tracker configuration
//   - fulfillment.go: Provider fallback, content generation and publishing
//   - mail.go: Order notification email delivery
//   - services.go: Service modes, periodic jobs and reaper
type AppConfig struct {
	// IsDev controls development mode behavior (dev token auth, seeding).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Authentication configuration
	Auth AuthConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Store    StoreConfig `envPrefix:"STORE_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http"`

	// Task queue and result tracking
	Queue   QueueConfig   `envPrefix:"QUEUE_"`
	Tracker TrackerConfig `envPrefix:"TRACKER_"`

	// Fulfillment pipeline
	Fulfillment FulfillmentConfig `envPrefix:"FULFILLMENT_"`
	Content     ContentConfig     `envPrefix:"CONTENT_"`
	Publisher   PublisherConfig   `envPrefix:"PUBLISHER_"`

	// Order notification email
	Mail MailConfig `envPrefix:"MAIL_"`

	// Periodic job schedule
	Periodic PeriodicConfig `envPrefix:"PERIODIC_"`

	// Reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Store.Sanitize()
	c.Queue.Sanitize()
	c.Tracker.Sanitize()
	c.Fulfillment.Sanitize()
	c.Content.Sanitize()
	c.Publisher.Sanitize()
	c.Mail.Sanitize()
	c.Periodic.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks APP_ENV as a fallback for DEV.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsServiceEnabled returns true if mode is listed in SERVICES.
func (c *AppConfig) IsServiceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.IsServiceEnabled(ServiceModeHTTP)
}

// IsSchedulerEnabled returns true if the periodic scheduler is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	return c.IsServiceEnabled(ServiceModeScheduler)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.IsServiceEnabled(ServiceModeReaper)
}

// EnabledWorkerQueues returns the queues whose worker service is enabled, in
// publish, notification, maintenance order.
func (c *AppConfig) EnabledWorkerQueues() []string {
	services, err := c.GetEnabledServices()
	if err != nil {
		return nil
	}
	var queues []string
	for _, mode := range workerModes {
		if services[mode] {
			queues = append(queues, mode.Queue())
		}
	}
	return queues
}
