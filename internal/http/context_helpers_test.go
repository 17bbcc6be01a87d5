package httpx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	domainauth "github.com/target/placement-fulfillment/internal/domain/auth"
)

func TestIdentityFromContext(t *testing.T) {
	if id, ok := IdentityFromContext(context.Background()); assert.False(t, ok) {
		assert.Nil(t, id)
	}

	assert.Equal(t, context.Background(), SetIdentityInContext(context.Background(), nil))

	want := &domainauth.Identity{UserID: "abc", Role: domainauth.RoleUser}
	ctx := SetIdentityInContext(context.Background(), want)
	got, ok := IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestIsGuestUser(t *testing.T) {
	assert.True(t, IsGuestUser(context.Background()))

	guest := SetIdentityInContext(context.Background(), &domainauth.Identity{UserID: "g", Role: domainauth.RoleGuest})
	assert.True(t, IsGuestUser(guest))

	user := SetIdentityInContext(context.Background(), &domainauth.Identity{UserID: "u", Role: domainauth.RoleUser})
	assert.False(t, IsGuestUser(user))
}
