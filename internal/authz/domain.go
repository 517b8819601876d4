package authz

import (
	"context"
	"fmt"
	"time"
)

// Scope isolates system-wide capabilities from single-tenant ones.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeCollege Scope = "college"
)

// Valid reports whether the scope is one of the known values.
func (s Scope) Valid() bool {
	return s == ScopeGlobal || s == ScopeCollege
}

// SuperAdminRole is the implicit root of the role tree. It always holds every
// permission in the catalog.
const SuperAdminRole = "super_admin"

// Permission represents an atomic capability.
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Scope       Scope     `json:"scope"`
	Description string    `json:"description"`
	CreatedBy   int64     `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a node in the role tree. ExternalID mirrors the role into the
// document store; ParentID is nil only for roots.
type Role struct {
	ID          int64     `json:"id"`
	ExternalID  string    `json:"external_id"`
	Name        string    `json:"name"`
	Scope       Scope     `json:"scope"`
	ParentID    *int64    `json:"parent_id,omitempty"`
	Description string    `json:"description"`
	CreatedBy   int64     `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Group bundles permissions and member users outside the role tree.
// CollegeID is set only for college-scoped groups.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Scope     Scope     `json:"scope"`
	CollegeID *int64    `json:"college_id,omitempty"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PermissionSet is the merged capability view split by scope.
type PermissionSet struct {
	Global  []string `json:"global_permissions"`
	College []string `json:"college_permissions"`
}

// Has reports whether the set contains the named permission in the given scope.
func (ps PermissionSet) Has(scope Scope, name string) bool {
	names := ps.Global
	if scope == ScopeCollege {
		names = ps.College
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// HasAny reports whether the set contains the permission in either scope.
func (ps PermissionSet) HasAny(name string) bool {
	return ps.Has(ScopeGlobal, name) || ps.Has(ScopeCollege, name)
}

// Merge folds another set into this one, deduplicating names.
func (ps PermissionSet) Merge(other PermissionSet) PermissionSet {
	return PermissionSet{
		Global:  mergeNames(ps.Global, other.Global),
		College: mergeNames(ps.College, other.College),
	}
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// RoleProjection is the cached merged view of a role and its permissions.
type RoleProjection struct {
	Role
	Permissions PermissionSet `json:"permissions"`
}

// GroupProjection is the cached merged view of a group, its permissions and members.
type GroupProjection struct {
	Group
	Permissions PermissionSet `json:"permissions"`
	Users       []int64       `json:"users"`
}

// Administrative permission names guarding the authorization surface itself.
const (
	PermPermissionsView = "permissions.view"
	PermPermissionsEdit = "permissions.edit"
	PermRolesView       = "roles.view"
	PermRolesEdit       = "roles.edit"
	PermGroupsView      = "groups.view"
	PermGroupsEdit      = "groups.edit"
)

// Registry lists every administrative permission name the service checks at
// runtime. Validated against the persisted catalog at startup so a typo in a
// permission string fails fast instead of silently denying everyone.
func Registry() []string {
	return []string{
		PermPermissionsView,
		PermPermissionsEdit,
		PermRolesView,
		PermRolesEdit,
		PermGroupsView,
		PermGroupsEdit,
	}
}

// ValidateRegistry confirms every registry entry exists in the permission catalog.
func ValidateRegistry(ctx context.Context, repo Repository) error {
	perms, err := repo.ListPermissions(ctx)
	if err != nil {
		return fmt.Errorf("authz: load permission catalog: %w", err)
	}
	known := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		known[p.Name] = struct{}{}
	}
	for _, name := range Registry() {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("authz: permission %q missing from catalog", name)
		}
	}
	return nil
}
