package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"placement"`
	Password string `env:"PASSWORD"                envDefault:"placement"`
	Name     string `env:"NAME"                    envDefault:"placement"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration. Redis backs the global rate limiter.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// StoreDriver selects the order and provider store.
type StoreDriver string

const (
	// StoreDriverPostgres reads orders and providers from the task database.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverREST reads them through a PostgREST-style HTTP API.
	StoreDriverREST StoreDriver = "rest"
)

// StoreConfig selects and configures the order and provider store.
type StoreConfig struct {
	Driver StoreDriver `env:"DRIVER" envDefault:"postgres"`
	// RESTURL is the base URL of the PostgREST endpoint (Driver=rest).
	RESTURL string `env:"REST_URL"`
	// RESTAPIKey is sent as both apikey and bearer token.
	RESTAPIKey string        `env:"REST_API_KEY"`
	Timeout    time.Duration `env:"TIMEOUT"      envDefault:"10s"`
}

// Sanitize applies guardrails to store configuration values.
func (s *StoreConfig) Sanitize() {
	s.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(string(s.Driver))))
	if s.Driver != StoreDriverREST {
		s.Driver = StoreDriverPostgres
	}
	s.RESTURL = strings.TrimRight(strings.TrimSpace(s.RESTURL), "/")
	if s.Driver == StoreDriverREST && s.RESTURL == "" {
		s.Driver = StoreDriverPostgres
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
}
