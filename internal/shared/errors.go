package shared

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a name collision within the same entity type.
	ErrDuplicate = errors.New("duplicate name")
	// ErrScopeConflict indicates a violation of global/college scope isolation.
	ErrScopeConflict = errors.New("scope conflict")
	// ErrAuthorization indicates the actor lacks authority over the target.
	ErrAuthorization = errors.New("not authorized")
	// ErrIntegrity indicates an underlying relational constraint violation.
	ErrIntegrity = errors.New("integrity violation")
	// ErrInvalidCredentials indicates token or login verification failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// InvalidIDsError reports every id in a bulk operation that failed existence
// validation, so the caller fixes the whole request in one round-trip.
type InvalidIDsError struct {
	Entity string
	IDs    []int64
}

func (e *InvalidIDsError) Error() string {
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("invalid %s ids: %s", e.Entity, strings.Join(parts, ", "))
}

// NewInvalidIDsError builds an InvalidIDsError for the given entity kind.
func NewInvalidIDsError(entity string, ids []int64) *InvalidIDsError {
	return &InvalidIDsError{Entity: entity, IDs: ids}
}
