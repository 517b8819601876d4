package shared

// Principal describes the authenticated actor extracted from a bearer token.
// RoleID zero means the user currently holds no role, a legitimate state.
type Principal struct {
	UserID     int64
	RoleID     int64
	GroupIDs   []int64
	Scope      string
	CollegeIDs []int64
}

// HasRole reports whether the principal carries a role reference.
func (p *Principal) HasRole() bool {
	return p != nil && p.RoleID != 0
}
