package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/placement-fulfillment/config"
	httpx "github.com/target/placement-fulfillment/internal/http"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(ctx context.Context, cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	handler := buildHTTPHandler(httpHandlerConfig{
		Logger:   logger,
		Services: routerServices(ctx, appCfg, cfg.Services, logger),
		HTTP:     appCfg.HTTP,
	})
	return startServer(logger, handler, appCfg.HTTP)
}

func routerServices(ctx context.Context, cfg *config.AppConfig, svcs ServiceContainer, logger *slog.Logger) httpx.RouterServices {
	rs := httpx.RouterServices{
		Verifier: BuildTokenVerifier(ctx, AuthConfig{Auth: cfg.Auth, IsDev: cfg.IsDev, Logger: logger}),
		Roles:    BuildRoleMapper(cfg.Auth),
		Metrics:  svcs.Observability.MetricsHandler,
		// Cleanup never removes FAILURE rows younger than the configured retention.
		FailedRetentionDays: cfg.Tracker.FailedRetentionDays,
		Logger:              logger,
	}
	// Assign only non-nil pointers so the router sees a nil interface.
	if svcs.Tracker != nil {
		rs.Monitoring = svcs.Tracker
	}
	if svcs.OrderAdmin != nil {
		rs.Orders = svcs.OrderAdmin
	}
	return rs
}

type httpHandlerConfig struct {
	Logger   *slog.Logger
	Services httpx.RouterServices
	HTTP     config.HTTPConfig
}

func buildHTTPHandler(cfg httpHandlerConfig) http.Handler {
	// Order: Recover -> Logging -> Compression -> Router, so logged sizes are compressed sizes.
	h := httpx.NewRouter(cfg.Services)
	if cfg.HTTP.CompressionEnabled {
		cfg.Logger.Info("HTTP compression enabled", "level", cfg.HTTP.CompressionLevel)
		h = httpx.Compression(httpx.CompressionConfig{Level: cfg.HTTP.CompressionLevel, Logger: cfg.Logger})(h)
	}
	h = httpx.Logging(cfg.Logger)(h)
	return httpx.Recover(cfg.Logger)(h)
}

func startServer(logger *slog.Logger, handler http.Handler, cfg config.HTTPConfig) *http.Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownHTTPServer drains in-flight requests within timeout.
func ShutdownHTTPServer(server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	if server == nil {
		return nil
	}
	logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("HTTP server stopped")
	return nil
}
