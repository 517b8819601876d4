package authz

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(client, NewKeyBuilder("test", "enrollhq"), logger, time.Minute), mr
}

func TestStoreProjectionRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, ok := store.GetRoleProjections(ctx)
	require.False(t, ok)

	projections := map[int64]RoleProjection{
		1: {
			Role:        Role{ID: 1, Name: "super_admin", Scope: ScopeGlobal},
			Permissions: PermissionSet{Global: []string{"roles.edit"}, College: []string{}},
		},
	}
	store.SetRoleProjections(ctx, projections)

	got, ok := store.GetRoleProjections(ctx)
	require.True(t, ok)
	require.Equal(t, "super_admin", got[1].Name)
	require.Equal(t, []string{"roles.edit"}, got[1].Permissions.Global)

	// Collection entries never expire.
	ttl := mr.TTL("test/enrollhq/roles_permissions")
	require.Equal(t, time.Duration(0), ttl)

	store.EvictRoleProjections(ctx)
	_, ok = store.GetRoleProjections(ctx)
	require.False(t, ok)
}

func TestStoreEvictDescendantsReportsExistence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.False(t, store.EvictDescendants(ctx))

	store.SetDescendants(ctx, map[int64][]int64{1: {2}})
	require.True(t, store.EvictDescendants(ctx))
	require.False(t, store.EvictDescendants(ctx))
}

func TestStoreCorruptEntryTreatedAsMiss(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test/enrollhq/system_permissions", "{not json"))

	_, ok := store.GetPermissionCatalog(ctx)
	require.False(t, ok)
	// Corrupt entries are dropped so the next write starts clean.
	require.False(t, mr.Exists("test/enrollhq/system_permissions"))
}

func TestStoreFieldLookupExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.SetField(ctx, "principals", "42", map[string]any{"user_id": 42})

	var out map[string]any
	require.True(t, store.GetField(ctx, "principals", "42", &out))

	ttl := mr.TTL("test/enrollhq/principals/42")
	require.GreaterOrEqual(t, ttl, time.Minute)
	require.LessOrEqual(t, ttl, 90*time.Second)

	mr.FastForward(2 * time.Minute)
	require.False(t, store.GetField(ctx, "principals", "42", &out))
}

func TestJitteredTTLBounds(t *testing.T) {
	store, _ := newTestStore(t)
	for i := 0; i < 100; i++ {
		ttl := store.jitteredTTL()
		require.GreaterOrEqual(t, ttl, time.Minute)
		require.LessOrEqual(t, ttl, 90*time.Second)
	}
}

func TestKeyBuilderLayout(t *testing.T) {
	keys := NewKeyBuilder("production", "enrollhq")
	require.Equal(t, "production/enrollhq/roles_permissions", keys.RolesPermissions())
	require.Equal(t, "production/enrollhq/groups_and_permissions", keys.GroupsPermissions())
	require.Equal(t, "production/enrollhq/system_permissions", keys.SystemPermissions())
	require.Equal(t, "production/enrollhq/role_descendants", keys.RoleDescendants())
	require.Equal(t, "production/enrollhq/role_documents", keys.RoleDocuments())
	require.Equal(t, "production/enrollhq/principals/42", keys.Field("principals", "42"))
}
