package authz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/enrollhq/enrollhq/internal/shared"
)

// CreateRole inserts a role under the requested parent, defaulting to the
// actor's own role. The closure snapshot is fully recomputed afterwards since
// a new node changes ancestor sets.
func (s *Service) CreateRole(ctx context.Context, actor *shared.Principal, req CreateRoleRequest) (*Role, error) {
	if err := s.requirePermission(ctx, actor, PermRolesEdit); err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, req.Scope); err != nil {
		return nil, err
	}

	parentID := req.ParentID
	if parentID == nil {
		if !actor.HasRole() {
			return nil, fmt.Errorf("%w: no parent role given and actor holds no role", shared.ErrAuthorization)
		}
		parentID = &actor.RoleID
	}
	if err := s.authorizeRoleTarget(ctx, actor, *parentID); err != nil {
		return nil, err
	}
	parent, err := s.repo.GetRole(ctx, *parentID)
	if err != nil {
		return nil, fmt.Errorf("parent role: %w", err)
	}
	if parent.Scope == ScopeCollege && req.Scope == ScopeGlobal {
		return nil, fmt.Errorf("%w: a global role cannot nest under college-scoped role %q", shared.ErrScopeConflict, parent.Name)
	}

	name := strings.TrimSpace(req.Name)
	if existing, err := s.repo.GetRoleByName(ctx, name); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: role %q", shared.ErrDuplicate, name)
	}

	role := Role{
		ExternalID:  uuid.NewString(),
		Name:        name,
		Scope:       req.Scope,
		ParentID:    parentID,
		Description: strings.TrimSpace(req.Description),
		CreatedBy:   actor.UserID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		id, err := repo.CreateRole(ctx, role)
		if err != nil {
			return err
		}
		role.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.closure.Rebuild(ctx); err != nil {
		s.logWarn("closure rebuild after role create failed", err)
		s.closure.Invalidate(ctx)
	}
	projections := s.refreshRoleProjections(ctx)
	s.syncMirrorRole(ctx, projections, role.ID)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "role.create",
		Entity:   "role",
		EntityID: strconv.FormatInt(role.ID, 10),
		Meta:     map[string]any{"name": role.Name, "scope": role.Scope, "parent_id": *parentID},
	})
	return s.repo.GetRole(ctx, role.ID)
}

// UpdateRole applies a partial update. Parent moves recompute the closure;
// name, description and scope changes flow into the mirrored document.
func (s *Service) UpdateRole(ctx context.Context, actor *shared.Principal, id int64, req UpdateRoleRequest) (*Role, error) {
	if err := s.requirePermission(ctx, actor, PermRolesEdit); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, existing.Scope); err != nil {
		return nil, err
	}
	if err := s.authorizeRoleTarget(ctx, actor, id); err != nil {
		return nil, err
	}

	updates := make(map[string]any)
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name != existing.Name {
			if collision, err := s.repo.GetRoleByName(ctx, name); err != nil && !errors.Is(err, shared.ErrNotFound) {
				return nil, err
			} else if collision != nil && collision.ID != id {
				return nil, fmt.Errorf("%w: role %q", shared.ErrDuplicate, name)
			}
		}
		updates["name"] = name
	}
	if req.Description != nil {
		updates["description"] = strings.TrimSpace(*req.Description)
	}
	if req.Scope != nil && *req.Scope != existing.Scope {
		if err := requireScopeAuthority(actor, *req.Scope); err != nil {
			return nil, err
		}
		if *req.Scope == ScopeCollege {
			held, err := s.repo.ListRolePermissions(ctx, id)
			if err != nil {
				return nil, err
			}
			if err := validateScopeAssignment(ScopeCollege, held); err != nil {
				return nil, err
			}
		}
		updates["scope"] = *req.Scope
	}

	parentChanged := false
	if req.ParentID != nil && (existing.ParentID == nil || *existing.ParentID != *req.ParentID) {
		if *req.ParentID == id {
			return nil, fmt.Errorf("%w: role cannot be its own parent", shared.ErrIntegrity)
		}
		if err := s.authorizeRoleTarget(ctx, actor, *req.ParentID); err != nil {
			return nil, err
		}
		newParent, err := s.repo.GetRole(ctx, *req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent role: %w", err)
		}
		targetScope := existing.Scope
		if v, ok := updates["scope"].(Scope); ok {
			targetScope = v
		}
		if newParent.Scope == ScopeCollege && targetScope == ScopeGlobal {
			return nil, fmt.Errorf("%w: a global role cannot nest under college-scoped role %q", shared.ErrScopeConflict, newParent.Name)
		}
		// Moving a role under its own subtree would detach the subtree.
		inSubtree, err := s.closure.IsDescendant(ctx, id, *req.ParentID)
		if err != nil {
			return nil, err
		}
		if inSubtree {
			return nil, fmt.Errorf("%w: new parent %d is inside the role's own subtree", shared.ErrIntegrity, *req.ParentID)
		}
		updates["parent_id"] = *req.ParentID
		parentChanged = true
	}

	if len(updates) == 0 {
		return existing, nil
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.UpdateRole(ctx, id, updates)
	})
	if err != nil {
		return nil, err
	}

	if parentChanged {
		if _, err := s.closure.Rebuild(ctx); err != nil {
			s.logWarn("closure rebuild after role move failed", err)
			s.closure.Invalidate(ctx)
		}
	}
	projections := s.refreshRoleProjections(ctx)
	s.syncMirrorRole(ctx, projections, id)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "role.update",
		Entity:   "role",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"fields": updateKeys(updates)},
	})
	return s.repo.GetRole(ctx, id)
}

// DeleteRole removes a role, re-parenting its children to its own parent and
// clearing the role reference on every user that held it. A root role with
// children cannot be deleted: relinking them as new roots would silently
// widen their authority.
func (s *Service) DeleteRole(ctx context.Context, actor *shared.Principal, id int64) error {
	if err := s.requirePermission(ctx, actor, PermRolesEdit); err != nil {
		return err
	}
	existing, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if err := requireScopeAuthority(actor, existing.Scope); err != nil {
		return err
	}
	if err := s.authorizeRoleTarget(ctx, actor, id); err != nil {
		return err
	}
	if existing.ParentID == nil {
		children, err := s.repo.CountRoleChildren(ctx, id)
		if err != nil {
			return err
		}
		if children > 0 {
			return fmt.Errorf("%w: root role %q still has %d children", shared.ErrIntegrity, existing.Name, children)
		}
	}

	var clearedUsers []int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.ReparentChildren(ctx, id, existing.ParentID); err != nil {
			return err
		}
		cleared, err := repo.ClearUserRole(ctx, id)
		if err != nil {
			return err
		}
		clearedUsers = cleared
		if err := repo.DetachAllRolePermissions(ctx, id); err != nil {
			return err
		}
		return repo.DeleteRole(ctx, id)
	})
	if err != nil {
		return err
	}

	s.notifyMembershipChange(ctx, clearedUsers)
	if err := s.mirror.Delete(ctx, existing.ExternalID); err != nil {
		s.logWarn("mirror delete failed", err)
	}
	s.refreshRoleProjections(ctx)
	// Recompute only when an entry was actually evicted; otherwise the next
	// read rebuilds from scratch anyway.
	if s.closure.Invalidate(ctx) {
		if _, err := s.closure.Rebuild(ctx); err != nil {
			s.logWarn("closure rebuild after role delete failed", err)
		}
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "role.delete",
		Entity:   "role",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"name": existing.Name},
	})
	return nil
}

// AssignRolePermissions attaches the requested permissions to the role,
// skipping ones already held. Returns the ids actually attached; an empty
// result means nothing changed.
func (s *Service) AssignRolePermissions(ctx context.Context, actor *shared.Principal, roleID int64, permissionIDs []int64) ([]int64, error) {
	if err := s.requirePermission(ctx, actor, PermRolesEdit); err != nil {
		return nil, err
	}
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, role.Scope); err != nil {
		return nil, err
	}
	if err := s.authorizeRoleTarget(ctx, actor, roleID); err != nil {
		return nil, err
	}
	requested, err := s.validatePermissionIDs(ctx, permissionIDs)
	if err != nil {
		return nil, err
	}
	if err := validateScopeAssignment(role.Scope, requested); err != nil {
		return nil, err
	}

	projection, err := s.FetchRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	toAttach := diffAbsent(requested, projection.Permissions)
	if len(toAttach) == 0 {
		return nil, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.AttachRolePermissions(ctx, roleID, toAttach)
	})
	if err != nil {
		return nil, err
	}

	projections := s.refreshRoleProjections(ctx)
	s.syncMirrorRole(ctx, projections, roleID)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "role.assign_permissions",
		Entity:   "role",
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     map[string]any{"permission_ids": toAttach},
	})
	return toAttach, nil
}

// RevokeRolePermissions detaches the requested permissions from the role,
// ignoring ones not held. Returns the ids actually detached.
func (s *Service) RevokeRolePermissions(ctx context.Context, actor *shared.Principal, roleID int64, permissionIDs []int64) ([]int64, error) {
	if err := s.requirePermission(ctx, actor, PermRolesEdit); err != nil {
		return nil, err
	}
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, role.Scope); err != nil {
		return nil, err
	}
	if err := s.authorizeRoleTarget(ctx, actor, roleID); err != nil {
		return nil, err
	}
	requested, err := s.validatePermissionIDs(ctx, permissionIDs)
	if err != nil {
		return nil, err
	}

	projection, err := s.FetchRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	toDetach := diffPresent(requested, projection.Permissions)
	if len(toDetach) == 0 {
		return nil, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.DetachRolePermissions(ctx, roleID, toDetach)
	})
	if err != nil {
		return nil, err
	}

	projections := s.refreshRoleProjections(ctx)
	s.syncMirrorRole(ctx, projections, roleID)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "role.revoke_permissions",
		Entity:   "role",
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     map[string]any{"permission_ids": toDetach},
	})
	return toDetach, nil
}

// validatePermissionIDs resolves ids to rows, reporting every unknown id at once.
func (s *Service) validatePermissionIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	perms, err := s.repo.ListPermissionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(perms) != len(uniqueIDs(ids)) {
		found := make(map[int64]struct{}, len(perms))
		for _, p := range perms {
			found[p.ID] = struct{}{}
		}
		var missing []int64
		for _, id := range uniqueIDs(ids) {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		return nil, shared.NewInvalidIDsError("permission", missing)
	}
	return perms, nil
}

// diffAbsent returns the ids of requested permissions whose names are not in
// the currently cached set.
func diffAbsent(requested []Permission, current PermissionSet) []int64 {
	var out []int64
	for _, p := range requested {
		if !current.Has(p.Scope, p.Name) {
			out = append(out, p.ID)
		}
	}
	return out
}

// diffPresent returns the ids of requested permissions whose names are in the
// currently cached set.
func diffPresent(requested []Permission, current PermissionSet) []int64 {
	var out []int64
	for _, p := range requested {
		if current.Has(p.Scope, p.Name) {
			out = append(out, p.ID)
		}
	}
	return out
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
