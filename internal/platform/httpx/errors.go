package httpx

import (
	"errors"
	"net/http"

	"github.com/equiplan/equiplan/internal/shared"
)

// Sentinel errors for the handler layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// The taxonomy is fixed: validation 400, access denied 403, consistency
// conflicts 409, unreachable store 503, everything else 500.
func RespondError(w http.ResponseWriter, err error) {
	var validationErr *shared.ValidationError
	var deniedErr *shared.AccessDeniedError
	var consistencyErr *shared.ConsistencyError
	switch {
	case errors.As(err, &validationErr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: validationErr.Error(),
		})
	case errors.As(err, &deniedErr):
		JSON(w, http.StatusForbidden, ProblemDetail{
			Title:     "Access Denied",
			Status:    http.StatusForbidden,
			Detail:    deniedErr.Reason,
			DeniedIDs: deniedErr.DeniedIDs,
		})
	case errors.As(err, &consistencyErr):
		Problem(w, http.StatusConflict, "Conflict", consistencyErr.Error())
	case errors.Is(err, shared.ErrFatalStore):
		Problem(w, http.StatusServiceUnavailable, "Store Unavailable", "")
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
