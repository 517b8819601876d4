package authz

type CreatePermissionRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Scope       Scope  `json:"scope" validate:"required,oneof=global college"`
	Description string `json:"description" validate:"max=500"`
}

type UpdatePermissionRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

type CreateRoleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Scope       Scope  `json:"scope" validate:"required,oneof=global college"`
	ParentID    *int64 `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
	Description string `json:"description" validate:"max=500"`
}

type UpdateRoleRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Scope       *Scope  `json:"scope,omitempty" validate:"omitempty,oneof=global college"`
	ParentID    *int64  `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

type CreateGroupRequest struct {
	Name          string  `json:"name" validate:"required,max=100"`
	Scope         Scope   `json:"scope" validate:"required,oneof=global college"`
	CollegeID     *int64  `json:"college_id,omitempty" validate:"omitempty,gt=0"`
	PermissionIDs []int64 `json:"permission_ids,omitempty" validate:"omitempty,dive,gt=0"`
}

type UpdateGroupRequest struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Scope     *Scope  `json:"scope,omitempty" validate:"omitempty,oneof=global college"`
	CollegeID *int64  `json:"college_id,omitempty" validate:"omitempty,gt=0"`
}

type AssignPermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required,min=1,dive,gt=0"`
}

type AssignUsersRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}
