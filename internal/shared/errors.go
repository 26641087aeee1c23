package shared

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrFatalStore indicates the durable store could not be read or written.
	// Callers in the authorization path must treat it as deny, never allow.
	ErrFatalStore = errors.New("durable store unavailable")
)

// ValidationError rejects malformed input before any state change.
// Recoverable by retrying with corrected input.
type ValidationError struct {
	Msg         string
	Fields      map[string]string
	UnknownKeys []string
}

func (e *ValidationError) Error() string {
	if len(e.UnknownKeys) > 0 {
		return fmt.Sprintf("%s: unknown keys [%s]", e.Msg, strings.Join(e.UnknownKeys, ", "))
	}
	return e.Msg
}

// NewValidationError builds a ValidationError with a plain message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Msg: msg}
}

// AccessDeniedError is the expected, non-exceptional deny outcome.
// DeniedIDs is populated by bulk isolation checks listing every offending id.
type AccessDeniedError struct {
	Reason    string
	DeniedIDs []int64
}

func (e *AccessDeniedError) Error() string {
	if len(e.DeniedIDs) > 0 {
		ids := make([]string, 0, len(e.DeniedIDs))
		for _, id := range e.DeniedIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		return fmt.Sprintf("access denied: %s (ids: %s)", e.Reason, strings.Join(ids, ", "))
	}
	return "access denied: " + e.Reason
}

// ConsistencyError reports a lost write race or a stale snapshot. It always
// requires a caller-side decision and is never auto-resolved.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "consistency conflict: " + e.Msg
}
