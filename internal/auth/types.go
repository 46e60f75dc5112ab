package auth

import "errors"

// Role is the authorisation tier carried in a token.
type Role string

const (
	// RoleViewer may only read.
	RoleViewer Role = "viewer"

	// RoleOperator may drive runs on the bench.
	RoleOperator Role = "operator"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if v == r {
			return true
		}
	}
	return false
}

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrWeakSecret   = errors.New("jwt secret too short")
	ErrInvalidRole  = errors.New("unknown role")
)
