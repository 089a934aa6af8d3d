package engine

import (
	"errors"
	"fmt"

	"github.com/berserk3142-max/fraud-risk-engine/ratelimiter"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrBackendUnavailable means a store timed out or failed and the
	// action's fail policy denied the request.
	ErrBackendUnavailable = ratelimiter.ErrBackendUnavailable
)

// ValidationError rejects a malformed request before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
