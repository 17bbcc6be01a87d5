package ports

// Package ports defines interfaces (hexagonal ports) for auth-related behavior.
// Implementations live in internal/adapters; the HTTP layer consumes them.

import (
	"context"
	"errors"

	domainauth "github.com/target/placement-fulfillment/internal/domain/auth"
)

// ErrInvalidToken is returned by verifiers for missing, malformed, expired or
// otherwise unacceptable bearer tokens.
var ErrInvalidToken = errors.New("invalid bearer token")

// TokenVerifier checks a raw bearer token and returns the caller identity.
// Implementations leave Identity.Role empty; the HTTP layer maps groups to roles.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (domainauth.Identity, error)
}

// RoleMapper maps provider groups to application roles.
type RoleMapper interface {
	Map(groups []string) domainauth.Role
}
