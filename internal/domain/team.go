package domain

import "time"

// Team roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Team represents a group that shares clusters.
type Team struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// TeamMember links a user to a team with a role.
type TeamMember struct {
	TeamID    string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// CanManage reports whether role may delete clusters created by others.
func CanManage(role string) bool {
	return role == RoleOwner || role == RoleAdmin
}

// ValidRole reports whether role is assignable.
func ValidRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}
