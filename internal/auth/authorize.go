package auth

import "slices"

// Policy decides whether an actor role may perform an action on a target role.
type Policy struct {
	grants map[Action][]Grant
}

// PolicyOption configures Policy.
type PolicyOption func(*Policy)

// WithAdminRoleManagement lets admins assign and remove roles alongside moderators.
func WithAdminRoleManagement() PolicyOption {
	return func(p *Policy) {
		for _, action := range []Action{ActionUpdateRole, ActionRemoveRole} {
			p.grants[action] = append(p.grants[action], Grant{Actor: RoleAdmin})
		}
	}
}

// WithGrant appends a grant to the table.
func WithGrant(action Action, g Grant) PolicyOption {
	return func(p *Policy) {
		p.grants[action] = append(p.grants[action], g)
	}
}

// NewPolicy builds a policy from BuiltinGrants plus opts.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{grants: make(map[Action][]Grant, len(BuiltinGrants))}
	for action, grants := range BuiltinGrants {
		p.grants[action] = slices.Clone(grants)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allows reports whether actor may perform action against target.
func (p *Policy) Allows(actor Role, action Action, target Role) bool {
	for _, g := range p.grants[action] {
		if g.Actor != actor {
			continue
		}
		if slices.Contains(g.Except, target) {
			continue
		}
		return true
	}
	return false
}
