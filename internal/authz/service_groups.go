package authz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/enrollhq/enrollhq/internal/shared"
)

var groupNameCaser = cases.Title(language.English)

// normalizeGroupName collapses whitespace and title-cases the name so that
// uniqueness checks compare the stored form, not raw user input.
func normalizeGroupName(name string) string {
	return groupNameCaser.String(strings.Join(strings.Fields(name), " "))
}

// CreateGroup inserts a group with an optional initial permission set.
// Scope-appropriate permissions are validated before any row is written.
func (s *Service) CreateGroup(ctx context.Context, actor *shared.Principal, req CreateGroupRequest) (*Group, error) {
	if err := s.requirePermission(ctx, actor, PermGroupsEdit); err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, req.Scope); err != nil {
		return nil, err
	}

	var collegeID *int64
	if req.Scope == ScopeCollege {
		if req.CollegeID == nil {
			return nil, fmt.Errorf("%w: college-scoped group requires a college_id", shared.ErrScopeConflict)
		}
		exists, err := s.repo.CollegeExists(ctx, *req.CollegeID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: college %d", shared.ErrNotFound, *req.CollegeID)
		}
		collegeID = req.CollegeID
	}

	var initialPerms []Permission
	if len(req.PermissionIDs) > 0 {
		var err error
		initialPerms, err = s.validatePermissionIDs(ctx, req.PermissionIDs)
		if err != nil {
			return nil, err
		}
		if err := validateScopeAssignment(req.Scope, initialPerms); err != nil {
			return nil, err
		}
	}

	name := normalizeGroupName(req.Name)
	if existing, err := s.repo.GetGroupByName(ctx, name); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: group %q", shared.ErrDuplicate, name)
	}

	group := Group{
		Name:      name,
		Scope:     req.Scope,
		CollegeID: collegeID,
		CreatedBy: actor.UserID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		id, err := repo.CreateGroup(ctx, group)
		if err != nil {
			return err
		}
		group.ID = id
		if len(initialPerms) > 0 {
			ids := make([]int64, len(initialPerms))
			for i, p := range initialPerms {
				ids[i] = p.ID
			}
			return repo.AttachGroupPermissions(ctx, id, ids)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.refreshGroupProjections(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "group.create",
		Entity:   "group",
		EntityID: strconv.FormatInt(group.ID, 10),
		Meta:     map[string]any{"name": group.Name, "scope": group.Scope},
	})
	return s.repo.GetGroup(ctx, group.ID)
}

// UpdateGroup applies a partial update. Downgrading global→college is blocked
// while the group still holds any global-scoped permission, and college_id is
// nulled whenever the resulting scope is global.
func (s *Service) UpdateGroup(ctx context.Context, actor *shared.Principal, id int64, req UpdateGroupRequest) (*Group, error) {
	if err := s.requirePermission(ctx, actor, PermGroupsEdit); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, existing.Scope); err != nil {
		return nil, err
	}

	updates := make(map[string]any)
	resultScope := existing.Scope
	if req.Scope != nil && *req.Scope != existing.Scope {
		if err := requireScopeAuthority(actor, *req.Scope); err != nil {
			return nil, err
		}
		if *req.Scope == ScopeCollege {
			held, err := s.repo.ListGroupPermissions(ctx, id)
			if err != nil {
				return nil, err
			}
			if err := validateScopeAssignment(ScopeCollege, held); err != nil {
				return nil, err
			}
		}
		updates["scope"] = *req.Scope
		resultScope = *req.Scope
	}
	if resultScope == ScopeGlobal {
		updates["college_id"] = nil
	} else {
		collegeID := existing.CollegeID
		if req.CollegeID != nil {
			collegeID = req.CollegeID
		}
		if collegeID == nil {
			return nil, fmt.Errorf("%w: college-scoped group requires a college_id", shared.ErrScopeConflict)
		}
		exists, err := s.repo.CollegeExists(ctx, *collegeID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: college %d", shared.ErrNotFound, *collegeID)
		}
		updates["college_id"] = *collegeID
	}
	if req.Name != nil {
		name := normalizeGroupName(*req.Name)
		if name != existing.Name {
			if collision, err := s.repo.GetGroupByName(ctx, name); err != nil && !errors.Is(err, shared.ErrNotFound) {
				return nil, err
			} else if collision != nil && collision.ID != id {
				return nil, fmt.Errorf("%w: group %q", shared.ErrDuplicate, name)
			}
		}
		updates["name"] = name
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.UpdateGroup(ctx, id, updates)
	})
	if err != nil {
		return nil, err
	}

	s.refreshGroupProjections(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "group.update",
		Entity:   "group",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"fields": updateKeys(updates)},
	})
	return s.repo.GetGroup(ctx, id)
}

// DeleteGroup removes the group, its permission links and every membership.
func (s *Service) DeleteGroup(ctx context.Context, actor *shared.Principal, id int64) error {
	if err := s.requirePermission(ctx, actor, PermGroupsEdit); err != nil {
		return err
	}
	existing, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if err := requireScopeAuthority(actor, existing.Scope); err != nil {
		return err
	}
	members, err := s.repo.ListGroupUserIDs(ctx, id)
	if err != nil {
		return err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.DetachAllGroupPermissions(ctx, id); err != nil {
			return err
		}
		if err := repo.RemoveAllUsersFromGroup(ctx, id); err != nil {
			return err
		}
		return repo.DeleteGroup(ctx, id)
	})
	if err != nil {
		return err
	}

	s.cache.EvictGroupProjections(ctx)
	s.notifyMembershipChange(ctx, members)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "group.delete",
		Entity:   "group",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"name": existing.Name},
	})
	return nil
}

// AssignGroupPermissions attaches scope-validated permissions to the group
// using the same set-difference semantics as roles.
func (s *Service) AssignGroupPermissions(ctx context.Context, actor *shared.Principal, groupID int64, permissionIDs []int64) ([]int64, error) {
	if err := s.requirePermission(ctx, actor, PermGroupsEdit); err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, group.Scope); err != nil {
		return nil, err
	}
	requested, err := s.validatePermissionIDs(ctx, permissionIDs)
	if err != nil {
		return nil, err
	}
	if err := validateScopeAssignment(group.Scope, requested); err != nil {
		return nil, err
	}

	projection, err := s.FetchGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	toAttach := diffAbsent(requested, projection.Permissions)
	if len(toAttach) == 0 {
		return nil, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.AttachGroupPermissions(ctx, groupID, toAttach)
	})
	if err != nil {
		return nil, err
	}

	s.refreshGroupProjections(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "group.assign_permissions",
		Entity:   "group",
		EntityID: strconv.FormatInt(groupID, 10),
		Meta:     map[string]any{"permission_ids": toAttach},
	})
	return toAttach, nil
}

// RevokeGroupPermissions detaches permissions from the group, ignoring ones
// not held.
func (s *Service) RevokeGroupPermissions(ctx context.Context, actor *shared.Principal, groupID int64, permissionIDs []int64) ([]int64, error) {
	if err := s.requirePermission(ctx, actor, PermGroupsEdit); err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, group.Scope); err != nil {
		return nil, err
	}
	requested, err := s.validatePermissionIDs(ctx, permissionIDs)
	if err != nil {
		return nil, err
	}

	projection, err := s.FetchGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	toDetach := diffPresent(requested, projection.Permissions)
	if len(toDetach) == 0 {
		return nil, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.DetachGroupPermissions(ctx, groupID, toDetach)
	})
	if err != nil {
		return nil, err
	}

	s.refreshGroupProjections(ctx)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "group.revoke_permissions",
		Entity:   "group",
		EntityID: strconv.FormatInt(groupID, 10),
		Meta:     map[string]any{"permission_ids": toDetach},
	})
	return toDetach, nil
}

// AssignGroupUsers adds members to the group. Users without any college
// association cannot join a college-scoped group. The cached projection's
// member list is patched in place instead of rebuilt.
func (s *Service) AssignGroupUsers(ctx context.Context, actor *shared.Principal, groupID int64, userIDs []int64) ([]int64, error) {
	if err := s.requirePermission(ctx, actor, PermGroupsEdit); err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, group.Scope); err != nil {
		return nil, err
	}
	refs, err := s.validateUserIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	if group.Scope == ScopeCollege {
		var offending []int64
		for _, ref := range refs {
			if len(ref.CollegeIDs) == 0 {
				offending = append(offending, ref.ID)
			}
		}
		if len(offending) > 0 {
			return nil, fmt.Errorf("%w: users %v have no college association", shared.ErrScopeConflict, offending)
		}
	}

	projection, err := s.FetchGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	current := make(map[int64]struct{}, len(projection.Users))
	for _, id := range projection.Users {
		current[id] = struct{}{}
	}
	var toAdd []int64
	for _, ref := range refs {
		if _, ok := current[ref.ID]; !ok {
			toAdd = append(toAdd, ref.ID)
		}
	}
	if len(toAdd) == 0 {
		return nil, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.AddUsersToGroup(ctx, groupID, toAdd)
	})
	if err != nil {
		return nil, err
	}

	s.patchGroupUsers(ctx, groupID, toAdd, nil)
	s.notifyMembershipChange(ctx, toAdd)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "group.assign_users",
		Entity:   "group",
		EntityID: strconv.FormatInt(groupID, 10),
		Meta:     map[string]any{"user_ids": toAdd},
	})
	return toAdd, nil
}

// RevokeGroupUsers removes members from the group, ignoring non-members.
func (s *Service) RevokeGroupUsers(ctx context.Context, actor *shared.Principal, groupID int64, userIDs []int64) ([]int64, error) {
	if err := s.requirePermission(ctx, actor, PermGroupsEdit); err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := requireScopeAuthority(actor, group.Scope); err != nil {
		return nil, err
	}
	refs, err := s.validateUserIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	projection, err := s.FetchGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	current := make(map[int64]struct{}, len(projection.Users))
	for _, id := range projection.Users {
		current[id] = struct{}{}
	}
	var toRemove []int64
	for _, ref := range refs {
		if _, ok := current[ref.ID]; ok {
			toRemove = append(toRemove, ref.ID)
		}
	}
	if len(toRemove) == 0 {
		return nil, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.RemoveUsersFromGroup(ctx, groupID, toRemove)
	})
	if err != nil {
		return nil, err
	}

	s.patchGroupUsers(ctx, groupID, nil, toRemove)
	s.notifyMembershipChange(ctx, toRemove)
	s.recordAudit(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   "group.revoke_users",
		Entity:   "group",
		EntityID: strconv.FormatInt(groupID, 10),
		Meta:     map[string]any{"user_ids": toRemove},
	})
	return toRemove, nil
}

// patchGroupUsers appends or filters member ids on the cached projection
// without a full rebuild. On a cache miss there is nothing to patch; the next
// read recomputes from source.
func (s *Service) patchGroupUsers(ctx context.Context, groupID int64, add, remove []int64) {
	projections, ok := s.cache.GetGroupProjections(ctx)
	if !ok {
		return
	}
	projection, ok := projections[groupID]
	if !ok {
		return
	}
	if len(add) > 0 {
		existing := make(map[int64]struct{}, len(projection.Users))
		for _, id := range projection.Users {
			existing[id] = struct{}{}
		}
		for _, id := range add {
			if _, ok := existing[id]; !ok {
				projection.Users = append(projection.Users, id)
			}
		}
	}
	if len(remove) > 0 {
		drop := make(map[int64]struct{}, len(remove))
		for _, id := range remove {
			drop[id] = struct{}{}
		}
		filtered := projection.Users[:0]
		for _, id := range projection.Users {
			if _, ok := drop[id]; !ok {
				filtered = append(filtered, id)
			}
		}
		projection.Users = filtered
	}
	projections[groupID] = projection
	s.cache.SetGroupProjections(ctx, projections)
}

// validateUserIDs resolves ids to users, reporting every unknown id at once.
func (s *Service) validateUserIDs(ctx context.Context, ids []int64) ([]UserRef, error) {
	refs, err := s.repo.ListUserRefs(ctx, ids)
	if err != nil {
		return nil, err
	}
	unique := uniqueIDs(ids)
	if len(refs) != len(unique) {
		found := make(map[int64]struct{}, len(refs))
		for _, ref := range refs {
			found[ref.ID] = struct{}{}
		}
		var missing []int64
		for _, id := range unique {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		return nil, shared.NewInvalidIDsError("user", missing)
	}
	return refs, nil
}
