package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a rejected write: an invalid status transition,
// a non-consecutive iteration number, or a second pending prompt.
// The store is left unchanged.
type ValidationError struct {
	Entity  string // "loop", "increment", "prompt", "iteration"
	ID      int64
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s %d: %s", e.Entity, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Message)
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(entity string, id int64, format string, args ...any) *ValidationError {
	return &ValidationError{Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}
