package rbac

// Role is the side of a job an actor is acting on.
type Role string

const (
	RoleBusiness Role = "business"
	RoleAgency   Role = "agency"
	// RoleSystem is used for processor webhooks and background workers.
	RoleSystem Role = "system"
)

// userRoles are the roles a bearer token may carry. System is internal only.
var userRoles = map[Role]bool{
	RoleBusiness: true,
	RoleAgency:   true,
}

// IsUserRole reports whether r may be presented by an authenticated user.
func IsUserRole(r Role) bool {
	return userRoles[r]
}

// Parse converts a raw claim value into a user role.
func Parse(s string) (Role, bool) {
	r := Role(s)
	if !IsUserRole(r) {
		return "", false
	}
	return r, true
}
