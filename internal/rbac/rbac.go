package rbac

import "strings"

type Role string
type Action string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

const (
	ActionRead                Action = "read"
	ActionManageNotifications Action = "manage_notifications"
	ActionAdminister          Action = "administer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleSuperAdmin:
		return true
	case RoleAdmin:
		return action == ActionRead || action == ActionManageNotifications || action == ActionAdminister
	case RoleUser:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a raw role marker to a Role. ok is false when the marker is
// not one of the known roles, in which case RoleUser is returned.
func Normalize(role string) (Role, bool) {
	candidate := Role(strings.ToLower(strings.TrimSpace(role)))
	if candidate.Valid() {
		return candidate, true
	}
	return RoleUser, false
}

// FallbackRole is consulted only when the authoritative role source is
// unavailable. It denies by default: an address on the operator allow-list
// resolves to admin, everything else to user.
func FallbackRole(email string, allowList []string) Role {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return RoleUser
	}
	for _, allowed := range allowList {
		if strings.ToLower(strings.TrimSpace(allowed)) == email {
			return RoleAdmin
		}
	}
	return RoleUser
}
