package auth

import "strings"

// Role is a privilege tier. Higher values carry more privilege.
type Role int

const (
	RoleNoob Role = iota
	RolePlebe
	RoleMiddle
	RolePro
	RoleModerator
	RoleAdmin
)

var roleNames = [...]string{
	RoleNoob:      "noob",
	RolePlebe:     "plebe",
	RoleMiddle:    "middle",
	RolePro:       "pro",
	RoleModerator: "moderator",
	RoleAdmin:     "admin",
}

func (r Role) String() string {
	if r < RoleNoob || r > RoleAdmin {
		return roleNames[RoleNoob]
	}
	return roleNames[r]
}

// AtLeast reports whether r is as privileged as other.
func (r Role) AtLeast(other Role) bool { return r >= other }

// Assignable reports whether r can be stored as an explicit assignment.
// noob is the implied default and is never stored.
func (r Role) Assignable() bool { return r > RoleNoob && r <= RoleAdmin }

// ParseRole maps a role tag to a Role. Matching ignores case and surrounding space.
func ParseRole(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range roleNames {
		if name == s {
			return Role(r), true
		}
	}
	return RoleNoob, false
}

// Principal is the identity bound to a session.
type Principal struct {
	Username string
	Role     Role
}
