package authz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/enrollhq/enrollhq/internal/shared"
)

// CreatePermission inserts a new permission and attaches it to super_admin,
// keeping the bootstrapping invariant that super_admin holds every permission.
func (s *Service) CreatePermission(ctx context.Context, actor *shared.Principal, req CreatePermissionRequest) (*Permission, error) {
	if err := s.requirePermission(ctx, actor, PermPermissionsEdit); err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, req.Scope); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if existing, err := s.repo.GetPermissionByName(ctx, name); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: permission %q", shared.ErrDuplicate, name)
	}

	permission := Permission{
		Name:        name,
		Scope:       req.Scope,
		Description: strings.TrimSpace(req.Description),
		CreatedBy:   actor.UserID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		id, err := repo.CreatePermission(ctx, permission)
		if err != nil {
			return err
		}
		permission.ID = id
		superAdmin, err := repo.GetRoleByName(ctx, SuperAdminRole)
		if err != nil {
			return fmt.Errorf("load super_admin role: %w", err)
		}
		return repo.AttachRolePermissions(ctx, superAdmin.ID, []int64{id})
	})
	if err != nil {
		return nil, err
	}

	s.refreshPermissionCatalog(ctx)
	// super_admin's merged projection changed with the auto-attach.
	projections := s.refreshRoleProjections(ctx)
	if superAdmin, err := s.repo.GetRoleByName(ctx, SuperAdminRole); err == nil {
		s.syncMirrorRole(ctx, projections, superAdmin.ID)
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "permission.create",
		Entity:   "permission",
		EntityID: strconv.FormatInt(permission.ID, 10),
		Meta:     map[string]any{"name": permission.Name, "scope": permission.Scope},
	})
	created, err := s.repo.GetPermission(ctx, permission.ID)
	if err != nil {
		return &permission, nil
	}
	return created, nil
}

// UpdatePermission applies a partial update and rebuilds the catalog cache.
func (s *Service) UpdatePermission(ctx context.Context, actor *shared.Principal, id int64, req UpdatePermissionRequest) (*Permission, error) {
	if err := s.requirePermission(ctx, actor, PermPermissionsEdit); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, existing.Scope); err != nil {
		return nil, err
	}

	updates := make(map[string]any)
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name != existing.Name {
			if collision, err := s.repo.GetPermissionByName(ctx, name); err != nil && !errors.Is(err, shared.ErrNotFound) {
				return nil, err
			} else if collision != nil {
				return nil, fmt.Errorf("%w: permission %q", shared.ErrDuplicate, name)
			}
		}
		updates["name"] = name
	}
	if req.Description != nil {
		updates["description"] = strings.TrimSpace(*req.Description)
	}
	if len(updates) == 0 {
		return existing, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.UpdatePermission(ctx, id, updates)
	})
	if err != nil {
		return nil, err
	}

	s.refreshPermissionCatalog(ctx)
	if _, renamed := updates["name"]; renamed {
		// Projections embed permission names; drop them for lazy rebuild.
		s.cache.EvictRoleProjections(ctx)
		s.cache.EvictGroupProjections(ctx)
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "permission.update",
		Entity:   "permission",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"fields": updateKeys(updates)},
	})
	return s.repo.GetPermission(ctx, id)
}

// DeletePermission detaches the permission from every role and group, then
// removes the row. The catalog entry is evicted for lazy rebuild.
func (s *Service) DeletePermission(ctx context.Context, actor *shared.Principal, id int64) error {
	if err := s.requirePermission(ctx, actor, PermPermissionsEdit); err != nil {
		return err
	}
	existing, err := s.repo.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	if err := requireScopeAuthority(actor, existing.Scope); err != nil {
		return err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.DetachPermissionEverywhere(ctx, id); err != nil {
			return err
		}
		return repo.DeletePermission(ctx, id)
	})
	if err != nil {
		return err
	}

	s.cache.EvictPermissionCatalog(ctx)
	s.cache.EvictRoleProjections(ctx)
	s.cache.EvictGroupProjections(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "permission.delete",
		Entity:   "permission",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"name": existing.Name},
	})
	return nil
}

func updateKeys(updates map[string]any) []string {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	return keys
}
