package bootstrap

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/adapters/authroles"
	"github.com/target/placement-fulfillment/internal/adapters/devauth"
	"github.com/target/placement-fulfillment/internal/adapters/oidc"
	"github.com/target/placement-fulfillment/internal/ports"
)

// AuthConfig contains configuration for bearer token verification.
type AuthConfig struct {
	Auth config.AuthConfig
	// IsDev must be true for the static dev token to be accepted.
	IsDev      bool
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// BuildTokenVerifier creates the verifier for the configured auth mode.
// Returns nil when auth is misconfigured; the router then rejects every /api request.
//
//nolint:ireturn // the verifier implementation depends on AUTH_MODE.
func BuildTokenVerifier(ctx context.Context, cfg AuthConfig) ports.TokenVerifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Auth.Mode {
	case config.AuthModeDev:
		return buildDevVerifier(cfg, logger)
	case config.AuthModeOIDC:
		return buildOIDCVerifier(ctx, cfg, logger)
	default:
		logger.WarnContext(ctx, "unknown auth mode; api auth disabled", "mode", cfg.Auth.Mode)
		return nil
	}
}

// BuildRoleMapper maps token groups onto API roles.
func BuildRoleMapper(cfg config.AuthConfig) authroles.StaticRoleMapper {
	return authroles.StaticRoleMapper{
		AdminGroup: cfg.AdminGroup,
		UserGroup:  cfg.UserGroup,
	}
}

//nolint:ireturn // see BuildTokenVerifier.
func buildDevVerifier(cfg AuthConfig, logger *slog.Logger) ports.TokenVerifier {
	if !cfg.IsDev {
		logger.Warn("AUTH_MODE=dev requires DEV=true; api auth disabled")
		return nil
	}
	v, err := devauth.NewVerifier(devauth.Config{
		Token:  cfg.Auth.DevAuth.Token,
		UserID: cfg.Auth.DevAuth.UserID,
		Email:  cfg.Auth.DevAuth.Email,
		Groups: cfg.Auth.DevAuth.Groups,
	})
	if err != nil {
		logger.Warn("failed to create dev token verifier, api auth disabled", "error", err)
		return nil
	}
	logger.Warn("dev token auth enabled", "user_id", cfg.Auth.DevAuth.UserID)
	return v
}

//nolint:ireturn // see BuildTokenVerifier.
func buildOIDCVerifier(ctx context.Context, cfg AuthConfig, logger *slog.Logger) ports.TokenVerifier {
	o := cfg.Auth.OIDC
	if o.IssuerURL == "" || o.ClientID == "" {
		logger.WarnContext(ctx, "AUTH_MODE=oidc selected but required config missing; api auth disabled",
			"issuer_url_empty", o.IssuerURL == "",
			"client_id_empty", o.ClientID == "",
		)
		return nil
	}

	v, err := oidc.NewVerifier(ctx, oidc.VerifierConfig{
		IssuerURL:   o.IssuerURL,
		ClientID:    o.ClientID,
		GroupsClaim: o.GroupsClaim,
		HTTPClient:  cfg.HTTPClient,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to create OIDC verifier, api auth disabled", "error", err)
		return nil
	}
	return v
}
