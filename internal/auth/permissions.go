package auth

// Permission is a named capability.
type Permission string

const (
	PermRunRead    Permission = "run:read"
	PermRunControl Permission = "run:control"
)

// rolePermissions is the single source of truth for what each role may do.
var rolePermissions = map[Role][]Permission{
	RoleViewer:   {PermRunRead},
	RoleOperator: {PermRunRead, PermRunControl},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
