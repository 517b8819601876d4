package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/enrollhq/enrollhq/internal/platform/db"
	"github.com/enrollhq/enrollhq/internal/shared"
)

// UserRef carries the user fields the authorization core needs: identity and
// college associations for college-scope membership checks.
type UserRef struct {
	ID         int64
	CollegeIDs []int64
}

// Repository defines persistence for the role/permission/group graph.
// Implementations must map unique violations to shared.ErrDuplicate and
// foreign-key violations to shared.ErrIntegrity.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	GetPermission(ctx context.Context, id int64) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListPermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error)
	CreatePermission(ctx context.Context, p Permission) (int64, error)
	UpdatePermission(ctx context.Context, id int64, updates map[string]any) error
	DeletePermission(ctx context.Context, id int64) error
	DetachPermissionEverywhere(ctx context.Context, permissionID int64) error

	GetRole(ctx context.Context, id int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListRoleRefs(ctx context.Context) ([]RoleRef, error)
	CreateRole(ctx context.Context, r Role) (int64, error)
	UpdateRole(ctx context.Context, id int64, updates map[string]any) error
	DeleteRole(ctx context.Context, id int64) error
	ReparentChildren(ctx context.Context, roleID int64, newParentID *int64) error
	CountRoleChildren(ctx context.Context, roleID int64) (int, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	ListAllRolePermissions(ctx context.Context) (map[int64][]Permission, error)
	AttachRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	DetachRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	DetachAllRolePermissions(ctx context.Context, roleID int64) error
	ClearUserRole(ctx context.Context, roleID int64) ([]int64, error)

	GetGroup(ctx context.Context, id int64) (*Group, error)
	GetGroupByName(ctx context.Context, name string) (*Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, g Group) (int64, error)
	UpdateGroup(ctx context.Context, id int64, updates map[string]any) error
	DeleteGroup(ctx context.Context, id int64) error
	ListGroupPermissions(ctx context.Context, groupID int64) ([]Permission, error)
	ListAllGroupPermissions(ctx context.Context) (map[int64][]Permission, error)
	AttachGroupPermissions(ctx context.Context, groupID int64, permissionIDs []int64) error
	DetachGroupPermissions(ctx context.Context, groupID int64, permissionIDs []int64) error
	DetachAllGroupPermissions(ctx context.Context, groupID int64) error
	ListGroupUserIDs(ctx context.Context, groupID int64) ([]int64, error)
	ListAllGroupUserIDs(ctx context.Context) (map[int64][]int64, error)
	AddUsersToGroup(ctx context.Context, groupID int64, userIDs []int64) error
	RemoveUsersFromGroup(ctx context.Context, groupID int64, userIDs []int64) error
	RemoveAllUsersFromGroup(ctx context.Context, groupID int64) error

	ListUserRefs(ctx context.Context, ids []int64) ([]UserRef, error)
	CollegeExists(ctx context.Context, id int64) (bool, error)
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

// WithTx runs fn against a repository bound to one transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

// mapPgError translates constraint violations into the shared taxonomy.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", shared.ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", shared.ErrIntegrity, pgErr.ConstraintName)
		}
	}
	return err
}

// applyUpdates builds a partial UPDATE from the allowed column list, always
// touching updated_at. Returns sql.ErrNoRows-equivalent shared.ErrNotFound
// when the id does not exist.
func (r *repository) applyUpdates(ctx context.Context, table string, id int64, updates map[string]any, allowed []string) error {
	query := "UPDATE " + table + " SET updated_at = NOW()"
	var args []any
	argPos := 1
	for _, col := range allowed {
		v, ok := updates[col]
		if !ok {
			continue
		}
		query += fmt.Sprintf(", %s = $%d", col, argPos)
		args = append(args, v)
		argPos++
	}
	query += fmt.Sprintf(" WHERE id = $%d", argPos)
	args = append(args, id)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
