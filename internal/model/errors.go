package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("message not found")
	ErrNotRetryable = errors.New("message is not in a failed state")
)

// ValidationError is a caller mistake in the request payload. Its text is
// safe to return to clients.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
