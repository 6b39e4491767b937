package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when connection parameters are missing or invalid,
	// or a collection cannot be created or resolved.
	ErrConfiguration = errors.New("configuration error")
	// ErrConnection is returned when the backend cannot be reached.
	ErrConnection = errors.New("connection error")
	// ErrValidation is returned when a caller-supplied value fails a precondition.
	ErrValidation = errors.New("validation error")
	// ErrBackend is returned when the backend rejects or fails a well-formed request.
	ErrBackend = errors.New("backend error")
)

// ValidationError represents a validation error with a field name.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a *ValidationError with a formatted message.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with an error kind and the operation that produced it.
// Both kind and err stay reachable through errors.Is / errors.As.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
