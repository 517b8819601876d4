package authz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enrollhq/enrollhq/internal/shared"
)

func newTestServer(t *testing.T, fx *fixture, principal *shared.Principal) *httptest.Server {
	t.Helper()
	handler := NewHandler(fx.service)
	guard := NewMiddleware(fx.service)

	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if principal != nil {
			ctx = shared.ContextWithPrincipal(ctx, principal)
		}
		handler.Routes(guard).ServeHTTP(w, r.WithContext(ctx))
	})
	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlerMePermissions(t *testing.T) {
	fx := newFixture(t)
	srv := newTestServer(t, fx, &shared.Principal{UserID: 50, RoleID: 3, Scope: string(ScopeCollege)})

	resp, err := http.Get(srv.URL + "/me/permissions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var set PermissionSet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	require.Contains(t, set.College, "applications.review")
}

func TestHandlerListRolesRequiresViewPermission(t *testing.T) {
	fx := newFixture(t)
	srv := newTestServer(t, fx, &shared.Principal{UserID: 99, Scope: string(ScopeCollege)})

	resp, err := http.Get(srv.URL + "/roles")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandlerAssignPermissionsInvalidIDs(t *testing.T) {
	fx := newFixture(t)
	srv := newTestServer(t, fx, superAdminActor())

	resp, err := http.Post(srv.URL+"/roles/3/permissions", "application/json",
		strings.NewReader(`{"permission_ids":[9001]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body struct {
		InvalidIDs []int64 `json:"invalid_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, []int64{9001}, body.InvalidIDs)
}

func TestHandlerAssignPermissionsNoChange(t *testing.T) {
	fx := newFixture(t)
	srv := newTestServer(t, fx, superAdminActor())

	payload := `{"permission_ids":[` + strconv.FormatInt(fx.permReview, 10) + `]}`
	resp, err := http.Post(srv.URL+"/roles/3/permissions", "application/json",
		strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body changedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Empty(t, body.Changed)
	require.Equal(t, "no permissions were changed", body.Message)
}

func TestHandlerCreateRoleValidation(t *testing.T) {
	fx := newFixture(t)
	srv := newTestServer(t, fx, superAdminActor())

	resp, err := http.Post(srv.URL+"/roles", "application/json",
		strings.NewReader(`{"name":"","scope":"galaxy"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerGetUnknownRole(t *testing.T) {
	fx := newFixture(t)
	srv := newTestServer(t, fx, superAdminActor())

	resp, err := http.Get(srv.URL + "/roles/404404")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
