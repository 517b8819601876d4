package authz

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/enrollhq/enrollhq/internal/platform/httpx"
	"github.com/enrollhq/enrollhq/internal/shared"
)

// Handler exposes the authorization surface over HTTP.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

// Routes mounts the authorization endpoints. Read endpoints are guarded by the
// view permissions; mutations re-check edit authority inside the service.
func (h *Handler) Routes(guard *Middleware) chi.Router {
	r := chi.NewRouter()

	r.Route("/permissions", func(r chi.Router) {
		r.With(guard.RequireAny(PermPermissionsView, PermPermissionsEdit)).Get("/", h.listPermissions)
		r.With(guard.RequireAny(PermPermissionsView, PermPermissionsEdit)).Get("/{id}", h.getPermission)
		r.With(guard.RequireAll(PermPermissionsEdit)).Post("/", h.createPermission)
		r.With(guard.RequireAll(PermPermissionsEdit)).Patch("/{id}", h.updatePermission)
		r.With(guard.RequireAll(PermPermissionsEdit)).Delete("/{id}", h.deletePermission)
	})

	r.Route("/roles", func(r chi.Router) {
		r.With(guard.RequireAny(PermRolesView, PermRolesEdit)).Get("/", h.listRoles)
		r.With(guard.RequireAny(PermRolesView, PermRolesEdit)).Get("/{id}", h.getRole)
		r.With(guard.RequireAny(PermRolesView, PermRolesEdit)).Get("/{id}/descendants", h.roleDescendants)
		r.With(guard.RequireAll(PermRolesEdit)).Post("/", h.createRole)
		r.With(guard.RequireAll(PermRolesEdit)).Patch("/{id}", h.updateRole)
		r.With(guard.RequireAll(PermRolesEdit)).Delete("/{id}", h.deleteRole)
		r.With(guard.RequireAll(PermRolesEdit)).Post("/{id}/permissions", h.assignRolePermissions)
		r.With(guard.RequireAll(PermRolesEdit)).Delete("/{id}/permissions", h.revokeRolePermissions)
	})

	r.Route("/groups", func(r chi.Router) {
		r.With(guard.RequireAny(PermGroupsView, PermGroupsEdit)).Get("/", h.listGroups)
		r.With(guard.RequireAny(PermGroupsView, PermGroupsEdit)).Get("/{id}", h.getGroup)
		r.With(guard.RequireAll(PermGroupsEdit)).Post("/", h.createGroup)
		r.With(guard.RequireAll(PermGroupsEdit)).Patch("/{id}", h.updateGroup)
		r.With(guard.RequireAll(PermGroupsEdit)).Delete("/{id}", h.deleteGroup)
		r.With(guard.RequireAll(PermGroupsEdit)).Post("/{id}/permissions", h.assignGroupPermissions)
		r.With(guard.RequireAll(PermGroupsEdit)).Delete("/{id}/permissions", h.revokeGroupPermissions)
		r.With(guard.RequireAll(PermGroupsEdit)).Post("/{id}/users", h.assignGroupUsers)
		r.With(guard.RequireAll(PermGroupsEdit)).Delete("/{id}/users", h.revokeGroupUsers)
	})

	r.Get("/me/permissions", h.myPermissions)

	return r
}

type listResponse struct {
	Data any               `json:"data"`
	Meta shared.Pagination `json:"meta"`
}

type changedResponse struct {
	Changed []int64 `json:"changed"`
	Message string  `json:"message,omitempty"`
}

func newChangedResponse(changed []int64) changedResponse {
	if len(changed) == 0 {
		return changedResponse{Changed: []int64{}, Message: "no permissions were changed"}
	}
	return changedResponse{Changed: changed}
}

func newMembershipResponse(changed []int64) changedResponse {
	if len(changed) == 0 {
		return changedResponse{Changed: []int64{}, Message: "no memberships were changed"}
	}
	return changedResponse{Changed: changed}
}

// Permissions

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	q, err := parseFetchQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perms, page, err := h.service.FetchPermissions(r.Context(), q)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Data: perms, Meta: page})
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.FetchPermission(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req CreatePermissionRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.CreatePermission(r.Context(), shared.PrincipalFromContext(r.Context()), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req UpdatePermissionRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.UpdatePermission(r.Context(), shared.PrincipalFromContext(r.Context()), id, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeletePermission(r.Context(), shared.PrincipalFromContext(r.Context()), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Roles

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	q, err := parseFetchQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roles, page, err := h.service.FetchRoles(r.Context(), q)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Data: roles, Meta: page})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.FetchRole(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) roleDescendants(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ids, err := h.service.FetchRoleDescendants(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string][]int64{"descendants": ids})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), shared.PrincipalFromContext(r.Context()), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req UpdateRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), shared.PrincipalFromContext(r.Context()), id, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteRole(r.Context(), shared.PrincipalFromContext(r.Context()), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req AssignPermissionsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changed, err := h.service.AssignRolePermissions(r.Context(), shared.PrincipalFromContext(r.Context()), id, req.PermissionIDs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newChangedResponse(changed))
}

func (h *Handler) revokeRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req AssignPermissionsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changed, err := h.service.RevokeRolePermissions(r.Context(), shared.PrincipalFromContext(r.Context()), id, req.PermissionIDs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newChangedResponse(changed))
}

// Groups

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	q, err := parseFetchQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	groups, page, err := h.service.FetchGroups(r.Context(), q)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Data: groups, Meta: page})
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	group, err := h.service.FetchGroup(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, group)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	group, err := h.service.CreateGroup(r.Context(), shared.PrincipalFromContext(r.Context()), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, group)
}

func (h *Handler) updateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req UpdateGroupRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	group, err := h.service.UpdateGroup(r.Context(), shared.PrincipalFromContext(r.Context()), id, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, group)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteGroup(r.Context(), shared.PrincipalFromContext(r.Context()), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignGroupPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req AssignPermissionsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changed, err := h.service.AssignGroupPermissions(r.Context(), shared.PrincipalFromContext(r.Context()), id, req.PermissionIDs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newChangedResponse(changed))
}

func (h *Handler) revokeGroupPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req AssignPermissionsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changed, err := h.service.RevokeGroupPermissions(r.Context(), shared.PrincipalFromContext(r.Context()), id, req.PermissionIDs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newChangedResponse(changed))
}

func (h *Handler) assignGroupUsers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req AssignUsersRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changed, err := h.service.AssignGroupUsers(r.Context(), shared.PrincipalFromContext(r.Context()), id, req.UserIDs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newMembershipResponse(changed))
}

func (h *Handler) revokeGroupUsers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req AssignUsersRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changed, err := h.service.RevokeGroupUsers(r.Context(), shared.PrincipalFromContext(r.Context()), id, req.UserIDs)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newMembershipResponse(changed))
}

// Me

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrAuthorization)
		return
	}
	set, err := h.service.ResolvePermissions(r.Context(), principal)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, set)
}

// Helpers

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %s", httpx.ErrValidation, "malformed JSON body")
	}
	if err := h.validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", httpx.ErrValidation)
	}
	return id, nil
}

func parseFetchQuery(r *http.Request) (FetchQuery, error) {
	var q FetchQuery
	if raw := r.URL.Query().Get("scope"); raw != "" {
		scope := Scope(raw)
		if !scope.Valid() {
			return q, fmt.Errorf("%w: unknown scope %q", httpx.ErrValidation, raw)
		}
		q.Scope = &scope
	}
	if raw := r.URL.Query().Get("college_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return q, fmt.Errorf("%w: invalid college_id", httpx.ErrValidation)
		}
		q.CollegeID = &id
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		q.Page, _ = strconv.Atoi(raw)
	}
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		q.PerPage, _ = strconv.Atoi(raw)
	}
	return q, nil
}
