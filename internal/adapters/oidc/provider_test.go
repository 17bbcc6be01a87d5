package oidc

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/placement-fulfillment/internal/ports"
)

const testIssuer = "https://idp.example"

type signer struct {
	t   *testing.T
	key *rsa.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signer{t: t, key: key}
}

func (s *signer) token(claims map[string]any) string {
	s.t.Helper()
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: s.key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(s.t, err)
	payload, err := json.Marshal(claims)
	require.NoError(s.t, err)
	jws, err := sig.Sign(payload)
	require.NoError(s.t, err)
	raw, err := jws.CompactSerialize()
	require.NoError(s.t, err)
	return raw
}

func (s *signer) verifier(groupsClaim string) *Verifier {
	keys := &gooidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&s.key.PublicKey}}
	return newVerifier(gooidc.NewVerifier(testIssuer, keys, &gooidc.Config{ClientID: "placement-api"}), groupsClaim)
}

func baseClaims() map[string]any {
	return map[string]any{
		"iss": testIssuer,
		"aud": "placement-api",
		"sub": "sub-123",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
}

func TestVerifyMapsClaims(t *testing.T) {
	s := newSigner(t)
	claims := baseClaims()
	claims["email"] = "ops@client.example"
	claims["groups"] = []string{"operators", "staff"}

	id, err := s.verifier("").Verify(context.Background(), s.token(claims))
	require.NoError(t, err)
	assert.Equal(t, "sub-123", id.UserID)
	assert.Equal(t, "ops@client.example", id.Email)
	assert.Equal(t, []string{"operators", "staff"}, id.Groups)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
	assert.Empty(t, id.Role)
}

func TestVerifyADClaimShape(t *testing.T) {
	s := newSigner(t)
	claims := baseClaims()
	claims["samaccountname"] = "z00123"
	claims["mail"] = "z00123@corp.example"
	claims["memberof"] = "admins"

	id, err := s.verifier("roles").Verify(context.Background(), s.token(claims))
	require.NoError(t, err)
	assert.Equal(t, "z00123", id.UserID)
	assert.Equal(t, "z00123@corp.example", id.Email)
	assert.Equal(t, []string{"admins"}, id.Groups)
}

func TestVerifyRejects(t *testing.T) {
	s := newSigner(t)
	other := newSigner(t)

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAud := baseClaims()
	wrongAud["aud"] = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: "  "},
		{name: "garbage", token: "not.a.jwt"},
		{name: "expired", token: s.token(expired)},
		{name: "wrong audience", token: s.token(wrongAud)},
		{name: "foreign key", token: other.token(baseClaims())},
	}
	v := s.verifier("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			require.ErrorIs(t, err, ports.ErrInvalidToken)
		})
	}
}

func TestNewVerifierValidation(t *testing.T) {
	_, err := NewVerifier(context.Background(), VerifierConfig{ClientID: "c"})
	require.ErrorContains(t, err, "issuer URL is required")
	_, err = NewVerifier(context.Background(), VerifierConfig{IssuerURL: testIssuer})
	require.ErrorContains(t, err, "client ID is required")
}

func TestNewVerifierDiscovers(t *testing.T) {
	var issuer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/auth",
			"token_endpoint":         issuer + "/token",
			"jwks_uri":               issuer + "/jwks",
		})
	}))
	defer srv.Close()
	issuer = srv.URL

	v, err := NewVerifier(context.Background(), VerifierConfig{
		IssuerURL: srv.URL + "/.well-known/openid-configuration",
		ClientID:  "placement-api",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultGroupsClaim, v.groupsClaim)
}
