// Package httpx serves the monitoring and order admin API of the placement
// fulfillment pipeline.
package httpx

import (
	"context"
	"log/slog"
	"net/http"

	domainauth "github.com/target/placement-fulfillment/internal/domain/auth"
	"github.com/target/placement-fulfillment/internal/ports"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Monitoring MonitoringService
	Orders     OrderAdmin
	// Verifier checks bearer tokens on /api routes. When nil every /api
	// request is rejected.
	Verifier ports.TokenVerifier
	Roles    ports.RoleMapper
	// Metrics is served unauthenticated on GET /metrics when set.
	Metrics             http.Handler
	FailedRetentionDays int
	Logger              *slog.Logger
}

// rejectAll is the verifier used when none is configured.
type rejectAll struct{}

func (rejectAll) Verify(context.Context, string) (domainauth.Identity, error) {
	return domainauth.Identity{}, ports.ErrInvalidToken
}

type guestRoles struct{}

func (guestRoles) Map([]string) domainauth.Role { return domainauth.RoleGuest }

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	verifier := services.Verifier
	if verifier == nil {
		logger.Warn("no token verifier configured; /api routes will reject all requests")
		verifier = rejectAll{}
	}
	roles := services.Roles
	if roles == nil {
		roles = guestRoles{}
	}

	var surfaces []string
	if services.Monitoring != nil {
		surfaces = append(surfaces, "monitoring")
	}
	if services.Orders != nil {
		surfaces = append(surfaces, "orders")
	}
	health := newHealthHandler(surfaces...)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health)
	mux.Handle("HEAD /healthz", health)
	if services.Metrics != nil {
		mux.Handle("GET /metrics", services.Metrics)
	}

	authn := Authenticate(verifier, roles, logger)
	guard := func(role domainauth.Role, h http.HandlerFunc) http.Handler {
		return authn(RequireRole(role)(h))
	}

	if services.Monitoring != nil {
		registerMonitoringRoutes(mux, &MonitoringHandlers{
			Svc:                 services.Monitoring,
			FailedRetentionDays: services.FailedRetentionDays,
			Logger:              logger,
		}, guard)
	}
	if services.Orders != nil {
		registerOrderRoutes(mux, &OrderHandlers{Svc: services.Orders, Logger: logger}, guard)
	}

	mux.Handle("/api/", authn(http.HandlerFunc(apiNotFound)))
	return mux
}

type guardFunc func(domainauth.Role, http.HandlerFunc) http.Handler

func registerMonitoringRoutes(mux *http.ServeMux, h *MonitoringHandlers, guard guardFunc) {
	user := domainauth.RoleUser
	mux.Handle("GET /api/monitoring/tasks/statistics", guard(user, h.Statistics))
	mux.Handle("GET /api/monitoring/tasks/failed", guard(user, h.Failed))
	mux.Handle("GET /api/monitoring/tasks/recent", guard(user, h.Recent))
	mux.Handle("GET /api/monitoring/tasks/summary", guard(user, h.Summary))
	mux.Handle("GET /api/monitoring/tasks/{id}", guard(user, h.Task))
	mux.Handle("GET /api/monitoring/system/health", guard(user, h.Health))
	mux.Handle("POST /api/monitoring/tasks/cleanup", guard(domainauth.RoleAdmin, h.Cleanup))
}

func registerOrderRoutes(mux *http.ServeMux, h *OrderHandlers, guard guardFunc) {
	admin := domainauth.RoleAdmin
	mux.Handle("GET /api/orders/{id}", guard(domainauth.RoleUser, h.Get))
	mux.Handle("POST /api/orders/{id}/fulfill", guard(admin, h.Fulfill))
	mux.Handle("POST /api/orders/{id}/cancel", guard(admin, h.Cancel))
	mux.Handle("POST /api/orders/{id}/retry", guard(admin, h.Retry))
}

func apiNotFound(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errRouteNotFound})
}
