package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/enrollhq/enrollhq/internal/shared"
)

type fakeUser struct {
	RoleID     *int64
	CollegeIDs []int64
}

type fakeRepo struct {
	mu     sync.Mutex
	nextID int64

	permissions map[int64]Permission
	roles       map[int64]Role
	groups      map[int64]Group
	rolePerms   map[int64]map[int64]struct{}
	groupPerms  map[int64]map[int64]struct{}
	groupUsers  map[int64]map[int64]struct{}
	users       map[int64]*fakeUser
	colleges    map[int64]struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextID:      100,
		permissions: make(map[int64]Permission),
		roles:       make(map[int64]Role),
		groups:      make(map[int64]Group),
		rolePerms:   make(map[int64]map[int64]struct{}),
		groupPerms:  make(map[int64]map[int64]struct{}),
		groupUsers:  make(map[int64]map[int64]struct{}),
		users:       make(map[int64]*fakeUser),
		colleges:    make(map[int64]struct{}),
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRepo) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.permissions[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &p, nil
}

func (f *fakeRepo) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.permissions {
		if p.Name == name {
			out := p
			return &out, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (f *fakeRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Permission, 0, len(f.permissions))
	for _, p := range f.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) ListPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]struct{}, len(ids))
	var out []Permission
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := f.permissions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreatePermission(ctx context.Context, p Permission) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.permissions {
		if existing.Name == p.Name {
			return 0, shared.ErrDuplicate
		}
	}
	p.ID = f.id()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	f.permissions[p.ID] = p
	return p.ID, nil
}

func (f *fakeRepo) UpdatePermission(ctx context.Context, id int64, updates map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.permissions[id]
	if !ok {
		return shared.ErrNotFound
	}
	if v, ok := updates["name"].(string); ok {
		p.Name = v
	}
	if v, ok := updates["description"].(string); ok {
		p.Description = v
	}
	p.UpdatedAt = time.Now()
	f.permissions[id] = p
	return nil
}

func (f *fakeRepo) DeletePermission(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.permissions[id]; !ok {
		return shared.ErrNotFound
	}
	delete(f.permissions, id)
	return nil
}

func (f *fakeRepo) DetachPermissionEverywhere(ctx context.Context, permissionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range f.rolePerms {
		delete(set, permissionID)
	}
	for _, set := range f.groupPerms {
		delete(set, permissionID)
	}
	return nil
}

func (f *fakeRepo) GetRole(ctx context.Context, id int64) (*Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &r, nil
}

func (f *fakeRepo) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == name {
			out := r
			return &out, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (f *fakeRepo) ListRoles(ctx context.Context) ([]Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Role, 0, len(f.roles))
	for _, r := range f.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) ListRoleRefs(ctx context.Context) ([]RoleRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RoleRef, 0, len(f.roles))
	for _, r := range f.roles {
		out = append(out, RoleRef{ID: r.ID, ParentID: r.ParentID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) CreateRole(ctx context.Context, r Role) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.roles {
		if existing.Name == r.Name {
			return 0, shared.ErrDuplicate
		}
	}
	r.ID = f.id()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	f.roles[r.ID] = r
	return r.ID, nil
}

func (f *fakeRepo) UpdateRole(ctx context.Context, id int64, updates map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return shared.ErrNotFound
	}
	if v, ok := updates["name"].(string); ok {
		r.Name = v
	}
	if v, ok := updates["description"].(string); ok {
		r.Description = v
	}
	if v, ok := updates["scope"].(Scope); ok {
		r.Scope = v
	}
	if v, ok := updates["parent_id"].(int64); ok {
		parent := v
		r.ParentID = &parent
	}
	r.UpdatedAt = time.Now()
	f.roles[id] = r
	return nil
}

func (f *fakeRepo) DeleteRole(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(f.roles, id)
	delete(f.rolePerms, id)
	return nil
}

func (f *fakeRepo) ReparentChildren(ctx context.Context, roleID int64, newParentID *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.roles {
		if r.ParentID != nil && *r.ParentID == roleID {
			r.ParentID = newParentID
			f.roles[id] = r
		}
	}
	return nil
}

func (f *fakeRepo) CountRoleChildren(ctx context.Context, roleID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, r := range f.roles {
		if r.ParentID != nil && *r.ParentID == roleID {
			count++
		}
	}
	return count, nil
}

func (f *fakeRepo) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissionList(f.rolePerms[roleID]), nil
}

func (f *fakeRepo) permissionList(set map[int64]struct{}) []Permission {
	var out []Permission
	for id := range set {
		if p, ok := f.permissions[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeRepo) ListAllRolePermissions(ctx context.Context) (map[int64][]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64][]Permission, len(f.rolePerms))
	for roleID, set := range f.rolePerms {
		out[roleID] = f.permissionList(set)
	}
	return out, nil
}

func (f *fakeRepo) AttachRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.rolePerms[roleID]
	if set == nil {
		set = make(map[int64]struct{})
		f.rolePerms[roleID] = set
	}
	for _, id := range permissionIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (f *fakeRepo) DetachRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range permissionIDs {
		delete(f.rolePerms[roleID], id)
	}
	return nil
}

func (f *fakeRepo) DetachAllRolePermissions(ctx context.Context, roleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rolePerms, roleID)
	return nil
}

func (f *fakeRepo) ClearUserRole(ctx context.Context, roleID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cleared []int64
	for id, u := range f.users {
		if u.RoleID != nil && *u.RoleID == roleID {
			u.RoleID = nil
			cleared = append(cleared, id)
		}
	}
	sort.Slice(cleared, func(i, j int) bool { return cleared[i] < cleared[j] })
	return cleared, nil
}

func (f *fakeRepo) GetGroup(ctx context.Context, id int64) (*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &g, nil
}

func (f *fakeRepo) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.Name == name {
			out := g
			return &out, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (f *fakeRepo) ListGroups(ctx context.Context) ([]Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) CreateGroup(ctx context.Context, g Group) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.groups {
		if existing.Name == g.Name {
			return 0, shared.ErrDuplicate
		}
	}
	g.ID = f.id()
	g.CreatedAt = time.Now()
	g.UpdatedAt = g.CreatedAt
	f.groups[g.ID] = g
	return g.ID, nil
}

func (f *fakeRepo) UpdateGroup(ctx context.Context, id int64, updates map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return shared.ErrNotFound
	}
	if v, ok := updates["name"].(string); ok {
		g.Name = v
	}
	if v, ok := updates["scope"].(Scope); ok {
		g.Scope = v
	}
	if v, present := updates["college_id"]; present {
		switch id := v.(type) {
		case int64:
			collegeID := id
			g.CollegeID = &collegeID
		case nil:
			g.CollegeID = nil
		}
	}
	g.UpdatedAt = time.Now()
	f.groups[id] = g
	return nil
}

func (f *fakeRepo) DeleteGroup(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[id]; !ok {
		return shared.ErrNotFound
	}
	delete(f.groups, id)
	return nil
}

func (f *fakeRepo) ListGroupPermissions(ctx context.Context, groupID int64) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissionList(f.groupPerms[groupID]), nil
}

func (f *fakeRepo) ListAllGroupPermissions(ctx context.Context) (map[int64][]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64][]Permission, len(f.groupPerms))
	for groupID, set := range f.groupPerms {
		out[groupID] = f.permissionList(set)
	}
	return out, nil
}

func (f *fakeRepo) AttachGroupPermissions(ctx context.Context, groupID int64, permissionIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.groupPerms[groupID]
	if set == nil {
		set = make(map[int64]struct{})
		f.groupPerms[groupID] = set
	}
	for _, id := range permissionIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (f *fakeRepo) DetachGroupPermissions(ctx context.Context, groupID int64, permissionIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range permissionIDs {
		delete(f.groupPerms[groupID], id)
	}
	return nil
}

func (f *fakeRepo) DetachAllGroupPermissions(ctx context.Context, groupID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groupPerms, groupID)
	return nil
}

func (f *fakeRepo) ListGroupUserIDs(ctx context.Context, groupID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.groupUsers[groupID]))
	for id := range f.groupUsers[groupID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeRepo) ListAllGroupUserIDs(ctx context.Context) (map[int64][]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64][]int64, len(f.groupUsers))
	for groupID, set := range f.groupUsers {
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out[groupID] = ids
	}
	return out, nil
}

func (f *fakeRepo) AddUsersToGroup(ctx context.Context, groupID int64, userIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.groupUsers[groupID]
	if set == nil {
		set = make(map[int64]struct{})
		f.groupUsers[groupID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (f *fakeRepo) RemoveUsersFromGroup(ctx context.Context, groupID int64, userIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range userIDs {
		delete(f.groupUsers[groupID], id)
	}
	return nil
}

func (f *fakeRepo) RemoveAllUsersFromGroup(ctx context.Context, groupID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groupUsers, groupID)
	return nil
}

func (f *fakeRepo) ListUserRefs(ctx context.Context, ids []int64) ([]UserRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]struct{}, len(ids))
	var out []UserRef
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if u, ok := f.users[id]; ok {
			out = append(out, UserRef{ID: id, CollegeIDs: u.CollegeIDs})
		}
	}
	return out, nil
}

func (f *fakeRepo) CollegeExists(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.colleges[id]
	return ok, nil
}

// fixture wires a service over the fake repository and a miniredis-backed
// cache, seeded with a small role tree:
//
//	super_admin (1, global, all admin permissions)
//	└── dean (2, global, roles.edit + groups.edit + permissions.edit)
//	    └── reviewer (3, college, applications.review)
type fixture struct {
	repo    *fakeRepo
	service *Service
	store   *Store
	mirror  *Mirror

	permRolesEdit  int64
	permGroupsEdit int64
	permPermsEdit  int64
	permReview     int64
	permReports    int64
}

func int64p(v int64) *int64 { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := NewKeyBuilder("test", "enrollhq")
	store := NewStore(client, keys, logger, time.Minute)
	mirror := NewMirror(client, keys)

	repo := newFakeRepo()
	closure := NewClosure(repo, store, logger)
	service := NewService(repo, store, closure, mirror, nil, logger)

	fx := &fixture{repo: repo, service: service, store: store, mirror: mirror}

	fx.permRolesEdit = fx.addPermission(t, PermRolesEdit, ScopeGlobal)
	fx.permGroupsEdit = fx.addPermission(t, PermGroupsEdit, ScopeGlobal)
	fx.permPermsEdit = fx.addPermission(t, PermPermissionsEdit, ScopeGlobal)
	fx.permReview = fx.addPermission(t, "applications.review", ScopeCollege)
	fx.permReports = fx.addPermission(t, "reports.view", ScopeCollege)

	fx.addRole(t, 1, SuperAdminRole, ScopeGlobal, nil,
		fx.permRolesEdit, fx.permGroupsEdit, fx.permPermsEdit, fx.permReview, fx.permReports)
	fx.addRole(t, 2, "dean", ScopeGlobal, int64p(1),
		fx.permRolesEdit, fx.permGroupsEdit, fx.permPermsEdit)
	fx.addRole(t, 3, "reviewer", ScopeCollege, int64p(2), fx.permReview)

	fx.repo.colleges[10] = struct{}{}
	fx.repo.users[50] = &fakeUser{RoleID: int64p(3), CollegeIDs: []int64{10}}
	fx.repo.users[51] = &fakeUser{CollegeIDs: []int64{10}}
	fx.repo.users[52] = &fakeUser{}

	return fx
}

func (fx *fixture) addPermission(t *testing.T, name string, scope Scope) int64 {
	t.Helper()
	id, err := fx.repo.CreatePermission(context.Background(), Permission{Name: name, Scope: scope})
	require.NoError(t, err)
	return id
}

func (fx *fixture) addRole(t *testing.T, id int64, name string, scope Scope, parentID *int64, permIDs ...int64) {
	t.Helper()
	fx.repo.roles[id] = Role{
		ID:         id,
		ExternalID: "ext-" + name,
		Name:       name,
		Scope:      scope,
		ParentID:   parentID,
	}
	require.NoError(t, fx.repo.AttachRolePermissions(context.Background(), id, permIDs))
}

func superAdminActor() *shared.Principal {
	return &shared.Principal{UserID: 1, RoleID: 1, Scope: string(ScopeGlobal)}
}

func deanActor() *shared.Principal {
	return &shared.Principal{UserID: 2, RoleID: 2, Scope: string(ScopeGlobal)}
}

func collegeActor() *shared.Principal {
	return &shared.Principal{UserID: 3, RoleID: 2, Scope: string(ScopeCollege), CollegeIDs: []int64{10}}
}

func TestCreatePermissionDuplicate(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.CreatePermission(context.Background(), superAdminActor(), CreatePermissionRequest{
		Name:  PermRolesEdit,
		Scope: ScopeGlobal,
	})
	require.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestCreatePermissionAttachesToSuperAdmin(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	created, err := fx.service.CreatePermission(ctx, superAdminActor(), CreatePermissionRequest{
		Name:  "applications.decide",
		Scope: ScopeCollege,
	})
	require.NoError(t, err)

	_, ok := fx.repo.rolePerms[1][created.ID]
	require.True(t, ok, "new permission should attach to super_admin")

	projection, err := fx.service.FetchRole(ctx, 1)
	require.NoError(t, err)
	require.Contains(t, projection.Permissions.College, "applications.decide")
}

func TestCreatePermissionRequiresGlobalActorForGlobalScope(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.CreatePermission(context.Background(), collegeActor(), CreatePermissionRequest{
		Name:  "colleges.manage",
		Scope: ScopeGlobal,
	})
	require.ErrorIs(t, err, shared.ErrAuthorization)
}

func TestAssignRolePermissionsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	changed, err := fx.service.AssignRolePermissions(ctx, superAdminActor(), 3, []int64{fx.permReports})
	require.NoError(t, err)
	require.Equal(t, []int64{fx.permReports}, changed)

	changed, err = fx.service.AssignRolePermissions(ctx, superAdminActor(), 3, []int64{fx.permReports})
	require.NoError(t, err)
	require.Empty(t, changed, "second assign of the same permission must be a no-op")
}

func TestRevokeRolePermissionsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	changed, err := fx.service.RevokeRolePermissions(ctx, superAdminActor(), 3, []int64{fx.permReview})
	require.NoError(t, err)
	require.Equal(t, []int64{fx.permReview}, changed)

	changed, err = fx.service.RevokeRolePermissions(ctx, superAdminActor(), 3, []int64{fx.permReview})
	require.NoError(t, err)
	require.Empty(t, changed, "revoking an already-revoked permission must be a no-op")
}

func TestUpdatePermissionRenameVisibleAfterEviction(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Prime the catalog so the rename has to go through the refresh path.
	before, err := fx.service.FetchPermission(ctx, fx.permReports)
	require.NoError(t, err)
	require.Equal(t, "reports.view", before.Name)

	name := "reports.export"
	updated, err := fx.service.UpdatePermission(ctx, superAdminActor(), fx.permReports, UpdatePermissionRequest{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "reports.export", updated.Name)

	cached, err := fx.service.FetchPermission(ctx, fx.permReports)
	require.NoError(t, err)
	require.Equal(t, "reports.export", cached.Name)

	// A forced miss must rebuild from the relational source, not resurrect
	// the old name.
	fx.store.EvictPermissionCatalog(ctx)
	rebuilt, err := fx.service.FetchPermission(ctx, fx.permReports)
	require.NoError(t, err)
	require.Equal(t, "reports.export", rebuilt.Name)
}

func TestAssignRolePermissionsReportsAllUnknownIDs(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.AssignRolePermissions(context.Background(), superAdminActor(), 3,
		[]int64{fx.permReports, 9001, 9002})

	var invalid *shared.InvalidIDsError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "permission", invalid.Entity)
	require.ElementsMatch(t, []int64{9001, 9002}, invalid.IDs)

	_, held := fx.repo.rolePerms[3][fx.permReports]
	require.False(t, held, "partial failure must not attach any permission")
}

func TestAssignGlobalPermissionToCollegeRoleFails(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.AssignRolePermissions(context.Background(), superAdminActor(), 3, []int64{fx.permRolesEdit})
	require.ErrorIs(t, err, shared.ErrScopeConflict)
}

func TestRoleTargetOutsideSubtreeDenied(t *testing.T) {
	fx := newFixture(t)
	name := "root"
	_, err := fx.service.UpdateRole(context.Background(), deanActor(), 1, UpdateRoleRequest{Name: &name})
	require.ErrorIs(t, err, shared.ErrAuthorization)
}

func TestDeleteRoleReparentsChildrenAndClearsUsers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.repo.users[60] = &fakeUser{RoleID: int64p(2)}

	require.NoError(t, fx.service.DeleteRole(ctx, superAdminActor(), 2))

	reviewer := fx.repo.roles[3]
	require.NotNil(t, reviewer.ParentID)
	require.Equal(t, int64(1), *reviewer.ParentID, "orphaned child should move to the deleted role's parent")
	require.Nil(t, fx.repo.users[60].RoleID, "users holding the deleted role should be cleared")

	descendants, err := fx.service.FetchRoleDescendants(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, descendants)
}

func TestDeleteRootRoleWithChildrenFails(t *testing.T) {
	fx := newFixture(t)
	err := fx.service.DeleteRole(context.Background(), superAdminActor(), 1)
	require.ErrorIs(t, err, shared.ErrIntegrity)
}

func TestMoveRoleIntoOwnSubtreeFails(t *testing.T) {
	fx := newFixture(t)
	fx.addRole(t, 4, "assistant", ScopeCollege, int64p(3))
	_, err := fx.service.UpdateRole(context.Background(), superAdminActor(), 3, UpdateRoleRequest{ParentID: int64p(4)})
	require.ErrorIs(t, err, shared.ErrIntegrity)
}

func TestRoleCannotBeItsOwnParent(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.UpdateRole(context.Background(), superAdminActor(), 2, UpdateRoleRequest{ParentID: int64p(2)})
	require.ErrorIs(t, err, shared.ErrIntegrity)
}

func TestCreateRoleUnderCollegeParentCannotBeGlobal(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.CreateRole(context.Background(), superAdminActor(), CreateRoleRequest{
		Name:     "campus-admin",
		Scope:    ScopeGlobal,
		ParentID: int64p(3),
	})
	require.ErrorIs(t, err, shared.ErrScopeConflict)
}

func TestCreateRoleRebuildsClosure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	role, err := fx.service.CreateRole(ctx, superAdminActor(), CreateRoleRequest{
		Name:     "coordinator",
		Scope:    ScopeCollege,
		ParentID: int64p(3),
	})
	require.NoError(t, err)

	descendants, err := fx.service.FetchRoleDescendants(ctx, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{3, role.ID}, descendants)

	doc, err := fx.mirror.Get(ctx, role.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, doc, "new role should be mirrored")
	require.Equal(t, role.ID, doc.PgsqlID)
}

func TestCacheReflectsAssignAfterPrimedRead(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	before, err := fx.service.FetchRole(ctx, 3)
	require.NoError(t, err)
	require.NotContains(t, before.Permissions.College, "reports.view")

	_, err = fx.service.AssignRolePermissions(ctx, superAdminActor(), 3, []int64{fx.permReports})
	require.NoError(t, err)

	after, err := fx.service.FetchRole(ctx, 3)
	require.NoError(t, err)
	require.Contains(t, after.Permissions.College, "reports.view")
}

func TestResolvePermissionsMergesRoleAndGroups(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	group, err := fx.service.CreateGroup(ctx, superAdminActor(), CreateGroupRequest{
		Name:          "audit readers",
		Scope:         ScopeGlobal,
		PermissionIDs: []int64{fx.permReports},
	})
	require.NoError(t, err)

	principal := &shared.Principal{UserID: 50, RoleID: 3, GroupIDs: []int64{group.ID}, Scope: string(ScopeCollege)}
	set, err := fx.service.ResolvePermissions(ctx, principal)
	require.NoError(t, err)
	require.Contains(t, set.College, "applications.review")
	require.Contains(t, set.College, "reports.view")
}

func TestCreateGroupNormalizesName(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	group, err := fx.service.CreateGroup(ctx, superAdminActor(), CreateGroupRequest{
		Name:  "  admissions   staff ",
		Scope: ScopeGlobal,
	})
	require.NoError(t, err)
	require.Equal(t, "Admissions Staff", group.Name)

	_, err = fx.service.CreateGroup(ctx, superAdminActor(), CreateGroupRequest{
		Name:  "ADMISSIONS STAFF",
		Scope: ScopeGlobal,
	})
	require.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestCreateCollegeGroupRequiresExistingCollege(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.CreateGroup(context.Background(), superAdminActor(), CreateGroupRequest{
		Name:      "ghost campus",
		Scope:     ScopeCollege,
		CollegeID: int64p(999),
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateCollegeGroupRejectsGlobalPermissions(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.CreateGroup(context.Background(), superAdminActor(), CreateGroupRequest{
		Name:          "campus admins",
		Scope:         ScopeCollege,
		CollegeID:     int64p(10),
		PermissionIDs: []int64{fx.permRolesEdit},
	})
	require.ErrorIs(t, err, shared.ErrScopeConflict)
}

func TestAssignGroupUsers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	group, err := fx.service.CreateGroup(ctx, superAdminActor(), CreateGroupRequest{
		Name:      "campus reviewers",
		Scope:     ScopeCollege,
		CollegeID: int64p(10),
	})
	require.NoError(t, err)

	t.Run("unknown users reported in full", func(t *testing.T) {
		_, err := fx.service.AssignGroupUsers(ctx, superAdminActor(), group.ID, []int64{50, 7001, 7002})
		var invalid *shared.InvalidIDsError
		require.ErrorAs(t, err, &invalid)
		require.Equal(t, "user", invalid.Entity)
		require.ElementsMatch(t, []int64{7001, 7002}, invalid.IDs)
	})

	t.Run("college-less user rejected", func(t *testing.T) {
		_, err := fx.service.AssignGroupUsers(ctx, superAdminActor(), group.ID, []int64{52})
		require.ErrorIs(t, err, shared.ErrScopeConflict)
	})

	t.Run("assign and revoke are idempotent", func(t *testing.T) {
		changed, err := fx.service.AssignGroupUsers(ctx, superAdminActor(), group.ID, []int64{50, 51})
		require.NoError(t, err)
		require.ElementsMatch(t, []int64{50, 51}, changed)

		changed, err = fx.service.AssignGroupUsers(ctx, superAdminActor(), group.ID, []int64{50})
		require.NoError(t, err)
		require.Empty(t, changed)

		projection, err := fx.service.FetchGroup(ctx, group.ID)
		require.NoError(t, err)
		require.ElementsMatch(t, []int64{50, 51}, projection.Users)

		changed, err = fx.service.RevokeGroupUsers(ctx, superAdminActor(), group.ID, []int64{51})
		require.NoError(t, err)
		require.Equal(t, []int64{51}, changed)

		changed, err = fx.service.RevokeGroupUsers(ctx, superAdminActor(), group.ID, []int64{51})
		require.NoError(t, err)
		require.Empty(t, changed)

		projection, err = fx.service.FetchGroup(ctx, group.ID)
		require.NoError(t, err)
		require.Equal(t, []int64{50}, projection.Users)
	})
}

func TestUpdateGroupToCollegeBlockedWhileHoldingGlobalPermissions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	group, err := fx.service.CreateGroup(ctx, superAdminActor(), CreateGroupRequest{
		Name:          "operators",
		Scope:         ScopeGlobal,
		PermissionIDs: []int64{fx.permGroupsEdit},
	})
	require.NoError(t, err)

	college := ScopeCollege
	_, err = fx.service.UpdateGroup(ctx, superAdminActor(), group.ID, UpdateGroupRequest{
		Scope:     &college,
		CollegeID: int64p(10),
	})
	require.ErrorIs(t, err, shared.ErrScopeConflict)
}

func TestDeletePermissionDetachesEverywhere(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.service.DeletePermission(ctx, superAdminActor(), fx.permReview))

	_, held := fx.repo.rolePerms[3][fx.permReview]
	require.False(t, held)

	projection, err := fx.service.FetchRole(ctx, 3)
	require.NoError(t, err)
	require.NotContains(t, projection.Permissions.College, "applications.review")
}

func TestFetchPermissionUnknownID(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.service.FetchPermission(context.Background(), 9999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRequirePermissionDeniesActorWithoutIt(t *testing.T) {
	fx := newFixture(t)
	actor := &shared.Principal{UserID: 9, RoleID: 3, Scope: string(ScopeCollege)}
	_, err := fx.service.CreateGroup(context.Background(), actor, CreateGroupRequest{
		Name:      "side channel",
		Scope:     ScopeCollege,
		CollegeID: int64p(10),
	})
	require.ErrorIs(t, err, shared.ErrAuthorization)
	require.False(t, errors.Is(err, shared.ErrScopeConflict))
}

func TestMembershipChangesNotifyRegisteredCallback(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var notified []int64
	fx.service.OnMembershipChange(func(_ context.Context, userIDs []int64) {
		notified = append(notified, userIDs...)
	})

	group, err := fx.service.CreateGroup(ctx, superAdminActor(), CreateGroupRequest{
		Name:  "records office",
		Scope: ScopeGlobal,
	})
	require.NoError(t, err)

	_, err = fx.service.AssignGroupUsers(ctx, superAdminActor(), group.ID, []int64{50, 52})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{50, 52}, notified)

	notified = nil
	_, err = fx.service.RevokeGroupUsers(ctx, superAdminActor(), group.ID, []int64{52})
	require.NoError(t, err)
	require.Equal(t, []int64{52}, notified)

	// Remaining members are reported when the whole group goes away.
	notified = nil
	require.NoError(t, fx.service.DeleteGroup(ctx, superAdminActor(), group.ID))
	require.Equal(t, []int64{50}, notified)

	// Deleting a role reports every user whose role reference was cleared.
	notified = nil
	require.NoError(t, fx.service.DeleteRole(ctx, superAdminActor(), 3))
	require.Equal(t, []int64{50}, notified)
}
