// Package errors provides error handling for sift.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNoSignals) {
//	    // handle empty report
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Common sentinel errors for use across sift.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidInput indicates a malformed or out-of-range input
	// (empty description, weight outside [0,1], missing tenant)
	ErrInvalidInput = New("invalid input")

	// ErrNoSignals indicates a report has no visible signals after
	// exhausting eventual-consistency fetch retries
	ErrNoSignals = New("no signals found")

	// ErrSchemaValidation indicates a judge returned output that failed
	// schema validation after all bounded retries
	ErrSchemaValidation = New("schema validation failed")

	// ErrUnsafeContent indicates the safety judge rejected a report
	ErrUnsafeContent = New("unsafe content")

	// ErrServiceUnavailable indicates a required external service is down
	ErrServiceUnavailable = New("service unavailable")

	// ErrNonRetryable marks a failure past the point where re-running the
	// operation would double-apply already-committed side effects
	ErrNonRetryable = New("non-retryable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidInputError checks if an error is or wraps ErrInvalidInput
func IsInvalidInputError(err error) bool {
	return err != nil && Is(err, ErrInvalidInput)
}

// IsDomainError reports whether an error is a terminal domain error rather
// than a transient infrastructure failure. Domain errors are never retried;
// they resolve a run to a terminal failed status.
func IsDomainError(err error) bool {
	return err != nil && IsAny(err,
		ErrInvalidInput, ErrNoSignals, ErrSchemaValidation, ErrUnsafeContent, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidInputError creates an invalid-input error with a formatted message
func NewInvalidInputError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidInput, Newf(format, args...).Error())
}
