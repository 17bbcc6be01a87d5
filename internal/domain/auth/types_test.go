package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleSatisfies(t *testing.T) {
	assert.True(t, RoleAdmin.Satisfies(RoleUser))
	assert.True(t, RoleAdmin.Satisfies(RoleAdmin))
	assert.True(t, RoleUser.Satisfies(RoleUser))
	assert.False(t, RoleUser.Satisfies(RoleAdmin))
	assert.False(t, RoleGuest.Satisfies(RoleUser))
	assert.False(t, Role("root").Satisfies(RoleGuest))
	assert.False(t, RoleAdmin.Satisfies(Role("root")))
}

func TestIdentityIsGuest(t *testing.T) {
	assert.True(t, Identity{}.IsGuest())
	assert.True(t, Identity{Role: RoleGuest}.IsGuest())
	assert.False(t, Identity{Role: RoleUser}.IsGuest())
}
