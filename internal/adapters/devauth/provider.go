// Package devauth provides a config-driven TokenVerifier for local development.
package devauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	domainauth "github.com/target/placement-fulfillment/internal/domain/auth"
	"github.com/target/placement-fulfillment/internal/ports"
)

// Config controls the dev verifier behavior.
// All fields are required except Groups, which may be empty.
type Config struct {
	Token  string
	UserID string
	Email  string
	Groups []string
	// TokenLifetime sets the reported expiry; default 8h when zero.
	TokenLifetime time.Duration
}

// Verifier accepts exactly one static token and returns the configured identity.
type Verifier struct {
	token    []byte
	identity domainauth.Identity
	lifetime time.Duration
	now      func() time.Time
}

var _ ports.TokenVerifier = (*Verifier)(nil)

// NewVerifier constructs a dev verifier from Config.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Token == "" {
		return nil, errors.New("dev auth: Token is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("dev auth: UserID is required")
	}
	if cfg.Email == "" {
		return nil, errors.New("dev auth: Email is required")
	}
	lifetime := cfg.TokenLifetime
	if lifetime == 0 {
		lifetime = 8 * time.Hour
	}
	return &Verifier{
		token: []byte(cfg.Token),
		identity: domainauth.Identity{
			UserID: cfg.UserID,
			Email:  cfg.Email,
			Groups: append([]string(nil), cfg.Groups...),
		},
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// Verify compares rawToken with the configured token in constant time.
func (v *Verifier) Verify(_ context.Context, rawToken string) (domainauth.Identity, error) {
	if subtle.ConstantTimeCompare([]byte(rawToken), v.token) != 1 {
		return domainauth.Identity{}, ports.ErrInvalidToken
	}
	id := v.identity
	id.Groups = append([]string(nil), v.identity.Groups...)
	id.ExpiresAt = v.now().Add(v.lifetime)
	return id, nil
}
