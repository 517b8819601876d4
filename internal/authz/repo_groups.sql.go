package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/enrollhq/enrollhq/internal/shared"
)

const groupColumns = `id, name, scope, college_id, created_by, created_at, updated_at`

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.Scope, &g.CollegeID, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (r *repository) GetGroup(ctx context.Context, id int64) (*Group, error) {
	return scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id))
}

func (r *repository) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	return scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE name = $1`, name))
}

func (r *repository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.db.Query(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Scope, &g.CollegeID, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *repository) CreateGroup(ctx context.Context, g Group) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO groups (name, scope, college_id, created_by) VALUES ($1, $2, $3, $4) RETURNING id`,
		g.Name, g.Scope, g.CollegeID, g.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (r *repository) UpdateGroup(ctx context.Context, id int64, updates map[string]any) error {
	return r.applyUpdates(ctx, "groups", id, updates, []string{"name", "scope", "college_id"})
}

func (r *repository) DeleteGroup(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) ListGroupPermissions(ctx context.Context, groupID int64) ([]Permission, error) {
	return r.queryPermissions(ctx, `
		SELECT p.id, p.name, p.scope, p.description, p.created_by, p.created_at, p.updated_at
		FROM permissions p
		JOIN group_permissions gp ON gp.permission_id = p.id
		WHERE gp.group_id = $1
		ORDER BY p.id`, groupID)
}

func (r *repository) ListAllGroupPermissions(ctx context.Context) (map[int64][]Permission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT gp.group_id, p.id, p.name, p.scope, p.description, p.created_by, p.created_at, p.updated_at
		FROM group_permissions gp
		JOIN permissions p ON p.id = gp.permission_id
		ORDER BY gp.group_id, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]Permission)
	for rows.Next() {
		var groupID int64
		var p Permission
		if err := rows.Scan(&groupID, &p.ID, &p.Name, &p.Scope, &p.Description, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[groupID] = append(out[groupID], p)
	}
	return out, rows.Err()
}

func (r *repository) AttachGroupPermissions(ctx context.Context, groupID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO group_permissions (group_id, permission_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, groupID, permissionIDs)
	return mapPgError(err)
}

func (r *repository) DetachGroupPermissions(ctx context.Context, groupID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM group_permissions WHERE group_id = $1 AND permission_id = ANY($2)`, groupID, permissionIDs)
	return mapPgError(err)
}

func (r *repository) DetachAllGroupPermissions(ctx context.Context, groupID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM group_permissions WHERE group_id = $1`, groupID)
	return mapPgError(err)
}

func (r *repository) ListGroupUserIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM user_groups WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
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

func (r *repository) ListAllGroupUserIDs(ctx context.Context) (map[int64][]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT group_id, user_id FROM user_groups ORDER BY group_id, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]int64)
	for rows.Next() {
		var groupID, userID int64
		if err := rows.Scan(&groupID, &userID); err != nil {
			return nil, err
		}
		out[groupID] = append(out[groupID], userID)
	}
	return out, rows.Err()
}

func (r *repository) AddUsersToGroup(ctx context.Context, groupID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_groups (user_id, group_id)
		SELECT unnest($1::bigint[]), $2
		ON CONFLICT DO NOTHING`, userIDs, groupID)
	return mapPgError(err)
}

func (r *repository) RemoveUsersFromGroup(ctx context.Context, groupID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM user_groups WHERE group_id = $1 AND user_id = ANY($2)`, groupID, userIDs)
	return mapPgError(err)
}

func (r *repository) RemoveAllUsersFromGroup(ctx context.Context, groupID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM user_groups WHERE group_id = $1`, groupID)
	return mapPgError(err)
}

func (r *repository) ListUserRefs(ctx context.Context, ids []int64) ([]UserRef, error) {
	rows, err := r.db.Query(ctx, `
		SELECT u.id, COALESCE(ARRAY_AGG(uc.college_id) FILTER (WHERE uc.college_id IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_colleges uc ON uc.user_id = u.id
		WHERE u.id = ANY($1)
		GROUP BY u.id
		ORDER BY u.id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []UserRef
	for rows.Next() {
		var ref UserRef
		if err := rows.Scan(&ref.ID, &ref.CollegeIDs); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *repository) CollegeExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM colleges WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}
