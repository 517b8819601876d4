package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/enrollhq/enrollhq/internal/shared"
)

// Service orchestrates every mutation of the role/permission/group graph,
// enforcing scope isolation, descendant-bounded authority and cache coherency.
//
// Every write path commits the relational transaction first and refreshes the
// caches afterwards. A crash between the two leaves a stale cache that the
// next explicit invalidation or miss self-heals from the relational source.
type Service struct {
	repo    Repository
	cache   *Store
	closure *Closure
	mirror  *Mirror
	audit   *shared.AuditLogger
	logger  *slog.Logger

	onMembershipChange func(context.Context, []int64)
}

// NewService constructs the authorization service.
func NewService(repo Repository, cache *Store, closure *Closure, mirror *Mirror, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, closure: closure, mirror: mirror, audit: audit, logger: logger}
}

// Closure exposes the descendant-closure cache to background jobs.
func (s *Service) Closure() *Closure {
	return s.closure
}

// OnMembershipChange registers a callback invoked with the user ids whose
// role or group membership just changed. The authenticator uses it to drop
// cached principals so revoked authority stops working immediately instead
// of lingering until the field TTL lapses.
func (s *Service) OnMembershipChange(fn func(context.Context, []int64)) {
	s.onMembershipChange = fn
}

func (s *Service) notifyMembershipChange(ctx context.Context, userIDs []int64) {
	if s.onMembershipChange == nil || len(userIDs) == 0 {
		return
	}
	s.onMembershipChange(ctx, userIDs)
}

// ResolvePermissions merges the permission sets of the principal's role and
// every group it belongs to. Served entirely from the cached projections.
func (s *Service) ResolvePermissions(ctx context.Context, p *shared.Principal) (PermissionSet, error) {
	var set PermissionSet
	if p == nil {
		return set, nil
	}
	if p.HasRole() {
		roles, err := s.roleProjections(ctx)
		if err != nil {
			return set, err
		}
		if projection, ok := roles[p.RoleID]; ok {
			set = set.Merge(projection.Permissions)
		}
	}
	if len(p.GroupIDs) > 0 {
		groups, err := s.groupProjections(ctx)
		if err != nil {
			return set, err
		}
		for _, groupID := range p.GroupIDs {
			if projection, ok := groups[groupID]; ok {
				set = set.Merge(projection.Permissions)
			}
		}
	}
	return set, nil
}

// FetchRoleDescendants returns the ids of every role below roleID.
func (s *Service) FetchRoleDescendants(ctx context.Context, roleID int64) ([]int64, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.closure.Descendants(ctx, roleID)
}

// FetchQuery filters and paginates the fetch endpoints.
type FetchQuery struct {
	Scope     *Scope
	CollegeID *int64
	Page      int
	PerPage   int
}

// FetchRole returns the merged projection of one role.
func (s *Service) FetchRole(ctx context.Context, id int64) (*RoleProjection, error) {
	roles, err := s.roleProjections(ctx)
	if err != nil {
		return nil, err
	}
	projection, ok := roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %d", shared.ErrNotFound, id)
	}
	return &projection, nil
}

// FetchRoles lists role projections, optionally filtered by scope.
func (s *Service) FetchRoles(ctx context.Context, q FetchQuery) ([]RoleProjection, shared.Pagination, error) {
	roles, err := s.roleProjections(ctx)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	out := make([]RoleProjection, 0, len(roles))
	for _, projection := range roles {
		if q.Scope != nil && projection.Scope != *q.Scope {
			continue
		}
		out = append(out, projection)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	page := shared.NewPagination(q.Page, q.PerPage, len(out))
	return slicePage(out, page), page, nil
}

// FetchPermission returns one permission from the catalog.
func (s *Service) FetchPermission(ctx context.Context, id int64) (*Permission, error) {
	catalog, err := s.permissionCatalog(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := catalog[id]
	if !ok {
		return nil, fmt.Errorf("%w: permission %d", shared.ErrNotFound, id)
	}
	return &p, nil
}

// FetchPermissions lists the catalog, optionally filtered by scope.
func (s *Service) FetchPermissions(ctx context.Context, q FetchQuery) ([]Permission, shared.Pagination, error) {
	catalog, err := s.permissionCatalog(ctx)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	out := make([]Permission, 0, len(catalog))
	for _, p := range catalog {
		if q.Scope != nil && p.Scope != *q.Scope {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	page := shared.NewPagination(q.Page, q.PerPage, len(out))
	return slicePermissionPage(out, page), page, nil
}

// FetchGroup returns the merged projection of one group.
func (s *Service) FetchGroup(ctx context.Context, id int64) (*GroupProjection, error) {
	groups, err := s.groupProjections(ctx)
	if err != nil {
		return nil, err
	}
	projection, ok := groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: group %d", shared.ErrNotFound, id)
	}
	return &projection, nil
}

// FetchGroups lists group projections, optionally filtered by scope and college.
func (s *Service) FetchGroups(ctx context.Context, q FetchQuery) ([]GroupProjection, shared.Pagination, error) {
	groups, err := s.groupProjections(ctx)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	out := make([]GroupProjection, 0, len(groups))
	for _, projection := range groups {
		if q.Scope != nil && projection.Scope != *q.Scope {
			continue
		}
		if q.CollegeID != nil && (projection.CollegeID == nil || *projection.CollegeID != *q.CollegeID) {
			continue
		}
		out = append(out, projection)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	page := shared.NewPagination(q.Page, q.PerPage, len(out))
	return sliceGroupPage(out, page), page, nil
}

// Read-through projections

func (s *Service) roleProjections(ctx context.Context) (map[int64]RoleProjection, error) {
	if cached, ok := s.cache.GetRoleProjections(ctx); ok {
		return cached, nil
	}
	projections, err := s.buildRoleProjections(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.SetRoleProjections(ctx, projections)
	return projections, nil
}

func (s *Service) buildRoleProjections(ctx context.Context) (map[int64]RoleProjection, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: list roles: %w", err)
	}
	permsByRole, err := s.repo.ListAllRolePermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: list role permissions: %w", err)
	}
	projections := make(map[int64]RoleProjection, len(roles))
	for _, role := range roles {
		projections[role.ID] = RoleProjection{
			Role:        role,
			Permissions: splitByScope(permsByRole[role.ID]),
		}
	}
	return projections, nil
}

func (s *Service) groupProjections(ctx context.Context) (map[int64]GroupProjection, error) {
	if cached, ok := s.cache.GetGroupProjections(ctx); ok {
		return cached, nil
	}
	projections, err := s.buildGroupProjections(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.SetGroupProjections(ctx, projections)
	return projections, nil
}

func (s *Service) buildGroupProjections(ctx context.Context) (map[int64]GroupProjection, error) {
	groups, err := s.repo.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: list groups: %w", err)
	}
	permsByGroup, err := s.repo.ListAllGroupPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: list group permissions: %w", err)
	}
	usersByGroup, err := s.repo.ListAllGroupUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: list group members: %w", err)
	}
	projections := make(map[int64]GroupProjection, len(groups))
	for _, group := range groups {
		users := usersByGroup[group.ID]
		if users == nil {
			users = []int64{}
		}
		projections[group.ID] = GroupProjection{
			Group:       group,
			Permissions: splitByScope(permsByGroup[group.ID]),
			Users:       users,
		}
	}
	return projections, nil
}

func (s *Service) permissionCatalog(ctx context.Context) (map[int64]Permission, error) {
	if cached, ok := s.cache.GetPermissionCatalog(ctx); ok {
		return cached, nil
	}
	perms, err := s.repo.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: list permissions: %w", err)
	}
	catalog := make(map[int64]Permission, len(perms))
	for _, p := range perms {
		catalog[p.ID] = p
	}
	s.cache.SetPermissionCatalog(ctx, catalog)
	return catalog, nil
}

// Cache refresh helpers. All best-effort: the relational write already
// committed, so failures are logged and swallowed.

func (s *Service) refreshRoleProjections(ctx context.Context) map[int64]RoleProjection {
	projections, err := s.buildRoleProjections(ctx)
	if err != nil {
		s.logWarn("refresh role projections failed", err)
		s.cache.EvictRoleProjections(ctx)
		return nil
	}
	s.cache.SetRoleProjections(ctx, projections)
	return projections
}

func (s *Service) refreshGroupProjections(ctx context.Context) {
	projections, err := s.buildGroupProjections(ctx)
	if err != nil {
		s.logWarn("refresh group projections failed", err)
		s.cache.EvictGroupProjections(ctx)
		return
	}
	s.cache.SetGroupProjections(ctx, projections)
}

func (s *Service) refreshPermissionCatalog(ctx context.Context) {
	perms, err := s.repo.ListPermissions(ctx)
	if err != nil {
		s.logWarn("refresh permission catalog failed", err)
		s.cache.EvictPermissionCatalog(ctx)
		return
	}
	catalog := make(map[int64]Permission, len(perms))
	for _, p := range perms {
		catalog[p.ID] = p
	}
	s.cache.SetPermissionCatalog(ctx, catalog)
}

// syncMirrorRole writes one role document from the given projections.
func (s *Service) syncMirrorRole(ctx context.Context, projections map[int64]RoleProjection, roleID int64) {
	if projections == nil {
		return
	}
	projection, ok := projections[roleID]
	if !ok {
		return
	}
	doc := RoleDocument{
		ID:          projection.ExternalID,
		PgsqlID:     projection.ID,
		Name:        projection.Name,
		Scope:       projection.Scope,
		Description: projection.Description,
		Permissions: projection.Permissions,
		UpdatedAt:   projection.UpdatedAt,
	}
	if err := s.mirror.Upsert(ctx, doc); err != nil {
		s.logWarn("mirror upsert failed", err)
	}
}

// WarmCaches rebuilds the named projection collections from the relational
// source, or every collection when names is empty. Used by the warmup job
// after a deploy so the first requests do not pay the rebuild cost.
func (s *Service) WarmCaches(ctx context.Context, names []string) error {
	all := len(names) == 0
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	has := func(n string) bool {
		if all {
			return true
		}
		_, ok := want[n]
		return ok
	}
	if has(collectionSystemPermissions) {
		s.refreshPermissionCatalog(ctx)
	}
	if has(collectionRolesPermissions) {
		s.refreshRoleProjections(ctx)
	}
	if has(collectionGroupsPermissions) {
		s.refreshGroupProjections(ctx)
	}
	if has(collectionRoleDescendants) {
		if _, err := s.closure.Rebuild(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RebuildMirror rewrites every role document from the current projections.
func (s *Service) RebuildMirror(ctx context.Context) error {
	projections, err := s.buildRoleProjections(ctx)
	if err != nil {
		return err
	}
	docs := make([]RoleDocument, 0, len(projections))
	for _, projection := range projections {
		docs = append(docs, RoleDocument{
			ID:          projection.ExternalID,
			PgsqlID:     projection.ID,
			Name:        projection.Name,
			Scope:       projection.Scope,
			Description: projection.Description,
			Permissions: projection.Permissions,
			UpdatedAt:   projection.UpdatedAt,
		})
	}
	return s.mirror.RebuildAll(ctx, docs)
}

// Authorization helpers

func (s *Service) requirePermission(ctx context.Context, actor *shared.Principal, name string) error {
	if actor == nil {
		return shared.ErrAuthorization
	}
	set, err := s.ResolvePermissions(ctx, actor)
	if err != nil {
		return err
	}
	if !set.HasAny(name) {
		return fmt.Errorf("%w: requires %s", shared.ErrAuthorization, name)
	}
	return nil
}

// requireScopeAuthority blocks college-scoped actors from system-level targets.
func requireScopeAuthority(actor *shared.Principal, target Scope) error {
	if target == ScopeGlobal && actor != nil && actor.Scope != string(ScopeGlobal) {
		return fmt.Errorf("%w: global scope requires a global actor", shared.ErrAuthorization)
	}
	return nil
}

// authorizeRoleTarget confirms targetRoleID is the actor's own role or one of
// its descendants. O(1) membership against the closure snapshot.
func (s *Service) authorizeRoleTarget(ctx context.Context, actor *shared.Principal, targetRoleID int64) error {
	if actor == nil || !actor.HasRole() {
		return shared.ErrAuthorization
	}
	ok, err := s.closure.IsDescendant(ctx, actor.RoleID, targetRoleID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: role %d is outside your authority", shared.ErrAuthorization, targetRoleID)
	}
	return nil
}

// validateScopeAssignment rejects global permissions targeted at a
// college-scoped role or group. College permissions may attach to global
// targets: a global role legitimately bundles tenant capabilities.
func validateScopeAssignment(target Scope, perms []Permission) error {
	if target != ScopeCollege {
		return nil
	}
	var offending []string
	for _, p := range perms {
		if p.Scope == ScopeGlobal {
			offending = append(offending, p.Name)
		}
	}
	if len(offending) > 0 {
		return fmt.Errorf("%w: global permissions %s cannot attach to a college-scoped target",
			shared.ErrScopeConflict, strings.Join(offending, ", "))
	}
	return nil
}

func splitByScope(perms []Permission) PermissionSet {
	set := PermissionSet{Global: []string{}, College: []string{}}
	for _, p := range perms {
		if p.Scope == ScopeCollege {
			set.College = append(set.College, p.Name)
		} else {
			set.Global = append(set.Global, p.Name)
		}
	}
	return set
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logWarn("audit record failed", err)
	}
}

func (s *Service) logWarn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}

func slicePage(items []RoleProjection, page shared.Pagination) []RoleProjection {
	lo, hi := pageBounds(len(items), page)
	return items[lo:hi]
}

func slicePermissionPage(items []Permission, page shared.Pagination) []Permission {
	lo, hi := pageBounds(len(items), page)
	return items[lo:hi]
}

func sliceGroupPage(items []GroupProjection, page shared.Pagination) []GroupProjection {
	lo, hi := pageBounds(len(items), page)
	return items[lo:hi]
}

func pageBounds(total int, page shared.Pagination) (int, int) {
	lo := page.Offset()
	if lo > total {
		lo = total
	}
	hi := lo + page.PerPage
	if hi > total {
		hi = total
	}
	return lo, hi
}
