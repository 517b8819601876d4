package users

import "time"

// User is an account in the admissions workspace. RoleID is nil while the
// user has not been placed in the role tree.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	RoleID    *int64    `json:"role_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership is the authorization-relevant slice of a user: the role it
// holds, the groups it belongs to and the colleges it may act on.
type Membership struct {
	UserID     int64   `json:"user_id"`
	RoleID     int64   `json:"role_id"`
	GroupIDs   []int64 `json:"group_ids"`
	CollegeIDs []int64 `json:"college_ids"`
}
