package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleAgent      = "agent"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
)

// Operators may start, pause, resume and cancel broadcasts and schedules.
var Operators = []string{RoleOwner, RoleAgent}

// Readers may view broadcasts, schedules, call summaries and events.
var Readers = []string{RoleOwner, RoleAgent, RoleAnalyst}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleOwner, RoleAgent, RoleAnalyst, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
