package claims

import "fmt"

// ValidationError reports a malformed or missing field on a claim
// record. A build that hits one aborts for that record only; it never
// defaults a monetary amount silently.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid claim field %q: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
