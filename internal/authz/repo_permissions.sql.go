package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/enrollhq/enrollhq/internal/shared"
)

const permissionColumns = `id, name, scope, description, created_by, created_at, updated_at`

func scanPermission(row pgx.Row) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Name, &p.Scope, &p.Description, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repository) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return scanPermission(r.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
}

func (r *repository) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return scanPermission(r.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
}

func (r *repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	return r.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY id`)
}

func (r *repository) ListPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	return r.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1) ORDER BY id`, ids)
}

func (r *repository) queryPermissions(ctx context.Context, query string, args ...any) ([]Permission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Scope, &p.Description, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *repository) CreatePermission(ctx context.Context, p Permission) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO permissions (name, scope, description, created_by) VALUES ($1, $2, $3, $4) RETURNING id`,
		p.Name, p.Scope, p.Description, p.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (r *repository) UpdatePermission(ctx context.Context, id int64, updates map[string]any) error {
	return r.applyUpdates(ctx, "permissions", id, updates, []string{"name", "scope", "description"})
}

func (r *repository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DetachPermissionEverywhere removes every role and group link referencing the
// permission, a precondition for deleting the row itself.
func (r *repository) DetachPermissionEverywhere(ctx context.Context, permissionID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, permissionID); err != nil {
		return mapPgError(err)
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM group_permissions WHERE permission_id = $1`, permissionID); err != nil {
		return mapPgError(err)
	}
	return nil
}
