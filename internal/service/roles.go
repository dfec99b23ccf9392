package service

import (
	"slices"

	"github.com/and161185/keyward/internal/model"
)

// PermAdminSystem grants cross-tenant access.
const PermAdminSystem = "admin:system"

var rolePermissions = map[model.Role][]string{
	model.RoleAdmin: {
		"read:tenants", "write:tenants", "delete:tenants",
		"read:users", "write:users", "delete:users",
		"read:calls", "write:calls",
		"read:agents", "write:agents",
		"read:analytics", "export:analytics",
		"read:billing", "write:billing",
		"read:logs", PermAdminSystem,
		"hitl:approve", "hitl:reject",
	},
	model.RoleUser: {
		"read:calls", "write:calls",
		"read:agents", "write:agents",
		"read:analytics", "export:analytics",
		"read:billing",
		"read:integrations", "write:integrations",
	},
	model.RoleViewer: {
		"read:calls",
		"read:agents",
		"read:analytics",
	},
}

// Permissions returns a copy of the role's permission list; unknown roles get none.
func Permissions(role model.Role) []string {
	p := rolePermissions[role]
	if p == nil {
		return []string{}
	}
	return slices.Clone(p)
}

// HasPermission reports whether role grants perm.
func HasPermission(role model.Role, perm string) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// HasRole reports whether id carries exactly role.
func HasRole(id model.Identity, role model.Role) bool {
	return id.Role == role
}
