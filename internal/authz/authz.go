// Package authz implements the gateway's authorization rule engine: a pure
// in-memory, short-circuiting evaluation over deny list, allow list,
// resource ownership, and role-to-permission mappings.
//
// This stays on the standard library deliberately — the whole engine is set
// and map membership tests over data already resolved from the JWT and
// session state, with no parsing, no I/O, and no concurrency pattern a
// third-party library would simplify.
package authz

import (
	"termgateway/internal/apperr"
	"termgateway/internal/ids"
)

// Permission names one action an authorizer checks, e.g. "session:create" or
// "process:signal".
type Permission string

// Subject is the identity and role/group membership being authorized.
type Subject struct {
	UserID ids.UserId
	Groups []string
}

// Rules is the resolved rule table an Authorizer evaluates against. Built
// once from configuration at startup.
type Rules struct {
	AllowedUsers  map[ids.UserId]struct{}
	AllowedGroups map[string]struct{}
	DenyUsers     map[ids.UserId]struct{}
	DenyGroups    map[string]struct{}

	// RolePermissions maps a group name to the permissions it grants.
	RolePermissions map[string]map[Permission]struct{}
	// DefaultPermissions apply to any authenticated subject not denied
	// outright, on top of whatever their groups grant.
	DefaultPermissions map[Permission]struct{}
}

// NewRules builds a Rules table from plain string/slice configuration.
func NewRules(allowedUsers, allowedGroups, denyUsers, denyGroups []string, rolePermissions map[string][]string, defaultPermissions []string) Rules {
	r := Rules{
		AllowedUsers:       toUserSet(allowedUsers),
		AllowedGroups:      toSet(allowedGroups),
		DenyUsers:          toUserSet(denyUsers),
		DenyGroups:         toSet(denyGroups),
		RolePermissions:    make(map[string]map[Permission]struct{}, len(rolePermissions)),
		DefaultPermissions: toPermissionSet(defaultPermissions),
	}
	for group, perms := range rolePermissions {
		r.RolePermissions[group] = toPermissionSet(perms)
	}
	return r
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func toUserSet(items []string) map[ids.UserId]struct{} {
	set := make(map[ids.UserId]struct{}, len(items))
	for _, item := range items {
		set[ids.UserId(item)] = struct{}{}
	}
	return set
}

func toPermissionSet(items []string) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(items))
	for _, item := range items {
		set[Permission(item)] = struct{}{}
	}
	return set
}

// Authorizer evaluates a Subject's access against a fixed Rules table.
type Authorizer struct {
	rules Rules
}

// New wraps a resolved Rules table.
func New(rules Rules) *Authorizer {
	return &Authorizer{rules: rules}
}

// Authorize runs the deny -> allow -> permission evaluation order: an
// explicit deny always wins; otherwise the subject must be on an allow list
// (when one is configured) and must hold the requested permission through
// either a role mapping or the default grant.
func (a *Authorizer) Authorize(subject Subject, perm Permission) error {
	if a.isDenied(subject) {
		return apperr.New(apperr.CodePermissionDenied, "subject is explicitly denied")
	}

	if a.hasAllowList() && !a.isAllowed(subject) {
		return apperr.New(apperr.CodePermissionDenied, "subject is not on the allow list")
	}

	if !a.hasPermission(subject, perm) {
		return apperr.New(apperr.CodePermissionDenied, "subject lacks the required permission").
			WithDetails(map[string]any{"permission": string(perm)})
	}

	return nil
}

// AuthorizeOwnership additionally requires that subject own resourceOwner
// (e.g. a session or workspace file), unless the subject holds the
// permission through a role grant — role-granted permissions bypass the
// ownership check by design, so an admin role can act on another user's
// session.
func (a *Authorizer) AuthorizeOwnership(subject Subject, perm Permission, resourceOwner ids.UserId) error {
	if err := a.Authorize(subject, perm); err != nil {
		return err
	}
	if a.hasRolePermission(subject, perm) {
		return nil
	}
	if subject.UserID != resourceOwner {
		return apperr.New(apperr.CodePermissionDenied, "subject does not own this resource")
	}
	return nil
}

func (a *Authorizer) isDenied(subject Subject) bool {
	if _, denied := a.rules.DenyUsers[subject.UserID]; denied {
		return true
	}
	for _, g := range subject.Groups {
		if _, denied := a.rules.DenyGroups[g]; denied {
			return true
		}
	}
	return false
}

func (a *Authorizer) hasAllowList() bool {
	return len(a.rules.AllowedUsers) > 0 || len(a.rules.AllowedGroups) > 0
}

func (a *Authorizer) isAllowed(subject Subject) bool {
	if _, ok := a.rules.AllowedUsers[subject.UserID]; ok {
		return true
	}
	for _, g := range subject.Groups {
		if _, ok := a.rules.AllowedGroups[g]; ok {
			return true
		}
	}
	return false
}

func (a *Authorizer) hasPermission(subject Subject, perm Permission) bool {
	if _, ok := a.rules.DefaultPermissions[perm]; ok {
		return true
	}
	return a.hasRolePermission(subject, perm)
}

func (a *Authorizer) hasRolePermission(subject Subject, perm Permission) bool {
	for _, g := range subject.Groups {
		if perms, ok := a.rules.RolePermissions[g]; ok {
			if _, ok := perms[perm]; ok {
				return true
			}
		}
	}
	return false
}
