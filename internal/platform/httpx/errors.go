package httpx

import (
	"errors"
	"net/http"

	"github.com/enrollhq/enrollhq/internal/shared"
)

// ErrValidation marks request payloads that failed structural validation.
var ErrValidation = errors.New("validation failed")

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var invalid *shared.InvalidIDsError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrScopeConflict):
		Problem(w, http.StatusUnprocessableEntity, "Scope Conflict", err.Error())
	case errors.Is(err, shared.ErrAuthorization):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrIntegrity):
		Problem(w, http.StatusConflict, "Integrity Violation", err.Error())
	case errors.As(err, &invalid):
		JSON(w, http.StatusUnprocessableEntity, ProblemDetail{
			Title:      "Invalid IDs",
			Status:     http.StatusUnprocessableEntity,
			Detail:     err.Error(),
			InvalidIDs: invalid.IDs,
		})
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
