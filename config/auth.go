package config

import (
	"fmt"
	"strings"
)

// AuthMode represents the bearer token verification mode.
type AuthMode string

const (
	// AuthModeOIDC verifies bearer tokens as OIDC ID tokens.
	AuthModeOIDC AuthMode = "oidc"
	// AuthModeDev accepts a single static token (for development only).
	AuthModeDev AuthMode = "dev"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "oidc", "dev":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: oidc, dev)", v)
	}
}

// OIDCConfig contains OIDC token verification configuration.
type OIDCConfig struct {
	IssuerURL string `env:"ISSUER_URL"`
	// ClientID is the expected audience of presented tokens.
	ClientID string `env:"CLIENT_ID" envDefault:"placement-fulfillment"`
	// GroupsClaim names the token claim that carries group membership.
	GroupsClaim string `env:"GROUPS_CLAIM" envDefault:"groups"`
}

// DevAuthConfig controls the static dev identity.
// Used when AUTH_MODE=dev for development and testing.
type DevAuthConfig struct {
	Token  string   `env:"TOKEN"   envDefault:"dev-token"`
	UserID string   `env:"USER_ID" envDefault:"dev-user"`
	Email  string   `env:"EMAIL"   envDefault:"dev@example.com"`
	Groups []string `env:"GROUPS"  envDefault:"admins"          envSeparator:";"`
}

// AuthConfig groups all authentication-related configuration.
type AuthConfig struct {
	// Mode determines which token verifier to use.
	Mode AuthMode `env:"AUTH_MODE" envDefault:"oidc"`

	// OIDC configuration (used when Mode=oidc).
	OIDC OIDCConfig `envPrefix:"OIDC_"`

	// DevAuth configuration (used when Mode=dev).
	DevAuth DevAuthConfig `envPrefix:"DEV_AUTH_"`

	// AdminGroup is the group granted the order admin routes.
	AdminGroup string `env:"ADMIN_GROUP" envDefault:"admins"`

	// UserGroup is the group granted the monitoring routes.
	UserGroup string `env:"USER_GROUP" envDefault:"operators"`
}
