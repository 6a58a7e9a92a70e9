package domain

import (
	"errors"
	"fmt"
)

// ErrLeaseConflict means another invocation holds the job. Callers treat it
// as a successful no-op.
var ErrLeaseConflict = errors.New("job lease held by another worker")

// ValidationError marks input that can never succeed on retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func Invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// TransientError wraps an I/O failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}
