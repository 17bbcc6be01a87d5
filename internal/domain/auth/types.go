package auth

// Package auth contains domain-level types for authenticating API callers.
// It is pure and free of framework/adapter concerns.

import "time"

// Role represents an application's authorization role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// roleLevels orders roles: Guest < User < Admin.
var roleLevels = map[Role]int{ //nolint:gochecknoglobals // static lookup
	RoleGuest: 0,
	RoleUser:  1,
	RoleAdmin: 2,
}

// Satisfies reports whether r grants at least the required role.
// Unknown roles satisfy nothing.
func (r Role) Satisfies(required Role) bool {
	have, ok := roleLevels[r]
	if !ok {
		return false
	}
	want, ok := roleLevels[required]
	if !ok {
		return false
	}
	return have >= want
}

// Identity represents the authenticated caller behind a bearer token.
// Verifiers map provider-specific claims into this shape.
type Identity struct {
	UserID    string // stable user identifier (e.g., samAccountName or sub)
	Email     string
	Groups    []string
	Role      Role
	ExpiresAt time.Time // absolute expiry from the token
}

// IsGuest returns true if the identity carries no application role.
func (i Identity) IsGuest() bool { return i.Role == "" || i.Role == RoleGuest }
