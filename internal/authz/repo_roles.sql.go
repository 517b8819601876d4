package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/enrollhq/enrollhq/internal/shared"
)

const roleColumns = `id, external_id, name, scope, parent_id, description, created_by, created_at, updated_at`

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.ExternalID, &role.Name, &role.Scope, &role.ParentID, &role.Description, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (r *repository) GetRole(ctx context.Context, id int64) (*Role, error) {
	return scanRole(r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

func (r *repository) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return scanRole(r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

func (r *repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.ExternalID, &role.Name, &role.Scope, &role.ParentID, &role.Description, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *repository) ListRoleRefs(ctx context.Context) ([]RoleRef, error) {
	rows, err := r.db.Query(ctx, `SELECT id, parent_id FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []RoleRef
	for rows.Next() {
		var ref RoleRef
		if err := rows.Scan(&ref.ID, &ref.ParentID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *repository) CreateRole(ctx context.Context, role Role) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO roles (external_id, name, scope, parent_id, description, created_by) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		role.ExternalID, role.Name, role.Scope, role.ParentID, role.Description, role.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (r *repository) UpdateRole(ctx context.Context, id int64, updates map[string]any) error {
	return r.applyUpdates(ctx, "roles", id, updates, []string{"name", "scope", "parent_id", "description"})
}

func (r *repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ReparentChildren relinks every direct child of roleID to newParentID.
func (r *repository) ReparentChildren(ctx context.Context, roleID int64, newParentID *int64) error {
	_, err := r.db.Exec(ctx, `UPDATE roles SET parent_id = $1, updated_at = NOW() WHERE parent_id = $2`, newParentID, roleID)
	return mapPgError(err)
}

func (r *repository) CountRoleChildren(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM roles WHERE parent_id = $1`, roleID).Scan(&count)
	return count, err
}

func (r *repository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	return r.queryPermissions(ctx, `
		SELECT p.id, p.name, p.scope, p.description, p.created_by, p.created_at, p.updated_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.id`, roleID)
}

func (r *repository) ListAllRolePermissions(ctx context.Context) (map[int64][]Permission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT rp.role_id, p.id, p.name, p.scope, p.description, p.created_by, p.created_at, p.updated_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		ORDER BY rp.role_id, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]Permission)
	for rows.Next() {
		var roleID int64
		var p Permission
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.Scope, &p.Description, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[roleID] = append(out[roleID], p)
	}
	return out, rows.Err()
}

// AttachRolePermissions inserts every join row in one statement.
func (r *repository) AttachRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, roleID, permissionIDs)
	return mapPgError(err)
}

// DetachRolePermissions removes every join row in one statement.
func (r *repository) DetachRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = ANY($2)`, roleID, permissionIDs)
	return mapPgError(err)
}

func (r *repository) DetachAllRolePermissions(ctx context.Context, roleID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID)
	return mapPgError(err)
}

// ClearUserRole drops the role reference from every user pointing at roleID,
// leaving them in the legitimate "no role" state. Returns the affected user
// ids so their cached principals can be invalidated.
func (r *repository) ClearUserRole(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE users SET role_id = NULL, updated_at = NOW() WHERE role_id = $1 RETURNING id`, roleID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
