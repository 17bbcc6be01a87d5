// Package oidc verifies bearer ID tokens against an OIDC issuer.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	domainauth "github.com/target/placement-fulfillment/internal/domain/auth"
	"github.com/target/placement-fulfillment/internal/ports"
	"golang.org/x/oauth2"
)

const defaultGroupsClaim = "groups"

// Verifier implements ports.TokenVerifier using go-oidc.
type Verifier struct {
	verifier    *gooidc.IDTokenVerifier
	groupsClaim string
}

var _ ports.TokenVerifier = (*Verifier)(nil)

// VerifierConfig holds configuration for the OIDC verifier.
type VerifierConfig struct {
	IssuerURL   string
	ClientID    string
	GroupsClaim string       // defaults to "groups"
	HTTPClient  *http.Client // Optional, defaults to a client with a 30s timeout
}

// NewVerifier discovers the issuer and builds a verifier for its ID tokens.
func NewVerifier(ctx context.Context, config VerifierConfig) (*Verifier, error) {
	if config.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	// Accept either the issuer or its discovery document URL.
	issuer := strings.TrimSuffix(config.IssuerURL, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	op, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}
	return newVerifier(op.Verifier(&gooidc.Config{ClientID: config.ClientID}), config.GroupsClaim), nil
}

func newVerifier(v *gooidc.IDTokenVerifier, groupsClaim string) *Verifier {
	if groupsClaim == "" {
		groupsClaim = defaultGroupsClaim
	}
	return &Verifier{verifier: v, groupsClaim: groupsClaim}
}

// Verify checks signature, issuer, audience and expiry of rawToken and maps
// its claims into an identity.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (domainauth.Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return domainauth.Identity{}, ports.ErrInvalidToken
	}
	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return domainauth.Identity{}, fmt.Errorf("%w: %w", ports.ErrInvalidToken, err)
	}
	var raw map[string]json.RawMessage
	if err := tok.Claims(&raw); err != nil {
		return domainauth.Identity{}, fmt.Errorf("%w: parse claims: %w", ports.ErrInvalidToken, err)
	}

	id := mapClaims(raw, v.groupsClaim)
	if id.UserID == "" {
		id.UserID = tok.Subject
	}
	id.ExpiresAt = tok.Expiry
	if id.UserID == "" {
		return domainauth.Identity{}, fmt.Errorf("%w: token has no subject", ports.ErrInvalidToken)
	}
	return id, nil
}

// mapClaims maps standard OIDC and AD/ADFS claim shapes into an identity.
// samaccountname wins over sub; email wins over mail.
func mapClaims(raw map[string]json.RawMessage, groupsClaim string) domainauth.Identity {
	id := domainauth.Identity{
		UserID: firstNonEmpty(stringClaim(raw, "samaccountname"), stringClaim(raw, "sub")),
		Email:  firstNonEmpty(stringClaim(raw, "email"), stringClaim(raw, "mail")),
		Groups: groupsFrom(raw[groupsClaim]),
	}
	if len(id.Groups) == 0 && groupsClaim != "memberof" {
		id.Groups = groupsFrom(raw["memberof"])
	}
	return id
}

func stringClaim(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// groupsFrom accepts a string array or a single string.
func groupsFrom(v json.RawMessage) []string {
	if len(v) == 0 {
		return nil
	}
	var many []string
	if err := json.Unmarshal(v, &many); err == nil {
		return many
	}
	var one string
	if err := json.Unmarshal(v, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

// firstNonEmpty returns the first non-empty string from vals, or empty string if none.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
