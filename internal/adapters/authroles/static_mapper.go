package authroles

import (
	domainauth "github.com/target/placement-fulfillment/internal/domain/auth"
	"github.com/target/placement-fulfillment/internal/ports"
)

// StaticRoleMapper maps groups by simple string membership rules.
// Admin membership wins over user membership.
type StaticRoleMapper struct {
	AdminGroup string
	UserGroup  string
}

var _ ports.RoleMapper = StaticRoleMapper{}

func (m StaticRoleMapper) Map(groups []string) domainauth.Role {
	for _, g := range groups {
		if m.AdminGroup != "" && g == m.AdminGroup {
			return domainauth.RoleAdmin
		}
	}
	for _, g := range groups {
		if m.UserGroup != "" && g == m.UserGroup {
			return domainauth.RoleUser
		}
	}
	return domainauth.RoleGuest
}
