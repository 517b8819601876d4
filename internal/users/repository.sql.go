package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/enrollhq/enrollhq/internal/shared"
)

// Repository loads user accounts and their authorization memberships.
type Repository interface {
	Get(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetMembership(ctx context.Context, userID int64) (*Membership, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed user repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const userColumns = `id, email, name, role_id, active, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.RoleID, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *repository) Get(ctx context.Context, id int64) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// GetMembership gathers the role, group and college references in one round
// trip per relation. A missing user surfaces as shared.ErrNotFound.
func (r *repository) GetMembership(ctx context.Context, userID int64) (*Membership, error) {
	m := Membership{UserID: userID, GroupIDs: []int64{}, CollegeIDs: []int64{}}

	var roleID *int64
	err := r.pool.QueryRow(ctx, `SELECT role_id FROM users WHERE id = $1`, userID).Scan(&roleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("users: load role: %w", err)
	}
	if roleID != nil {
		m.RoleID = *roleID
	}

	rows, err := r.pool.Query(ctx,
		`SELECT group_id FROM user_groups WHERE user_id = $1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("users: load groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		m.GroupIDs = append(m.GroupIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	collegeRows, err := r.pool.Query(ctx,
		`SELECT college_id FROM user_colleges WHERE user_id = $1 ORDER BY college_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("users: load colleges: %w", err)
	}
	defer collegeRows.Close()
	for collegeRows.Next() {
		var id int64
		if err := collegeRows.Scan(&id); err != nil {
			return nil, err
		}
		m.CollegeIDs = append(m.CollegeIDs, id)
	}
	if err := collegeRows.Err(); err != nil {
		return nil, err
	}

	return &m, nil
}
