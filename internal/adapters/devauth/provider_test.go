package devauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/placement-fulfillment/internal/ports"
)

func TestVerifierAcceptsConfiguredToken(t *testing.T) {
	v, err := NewVerifier(Config{Token: "dev-token", UserID: "dev-user", Email: "dev@example.com", Groups: []string{"admins"}})
	require.NoError(t, err)
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return fixed }

	id, err := v.Verify(context.Background(), "dev-token")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", id.UserID)
	assert.Equal(t, "dev@example.com", id.Email)
	assert.Equal(t, []string{"admins"}, id.Groups)
	assert.Equal(t, fixed.Add(8*time.Hour), id.ExpiresAt)

	id.Groups[0] = "mutated"
	again, err := v.Verify(context.Background(), "dev-token")
	require.NoError(t, err)
	assert.Equal(t, []string{"admins"}, again.Groups)
}

func TestVerifierRejectsOtherTokens(t *testing.T) {
	v, err := NewVerifier(Config{Token: "dev-token", UserID: "u", Email: "e@example.com"})
	require.NoError(t, err)

	for _, tok := range []string{"", "dev-token ", "DEV-TOKEN", "other"} {
		_, err := v.Verify(context.Background(), tok)
		require.ErrorIs(t, err, ports.ErrInvalidToken, "token %q", tok)
	}
}

func TestNewVerifierValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		msg  string
	}{
		{name: "token", cfg: Config{UserID: "u", Email: "e"}, msg: "Token is required"},
		{name: "user", cfg: Config{Token: "t", Email: "e"}, msg: "UserID is required"},
		{name: "email", cfg: Config{Token: "t", UserID: "u"}, msg: "Email is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.cfg)
			require.ErrorContains(t, err, tt.msg)
		})
	}
}
