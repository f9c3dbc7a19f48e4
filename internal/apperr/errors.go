// Package apperr defines the error taxonomy shared by every layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	ErrValidation    = errors.New("validation failed")
	ErrDuplicateName = errors.New("duplicate character name")
	ErrPermission    = errors.New("permission denied")

	// ErrAlreadyResolved is reported when a moderation ticket has already been
	// approved or cancelled. It matches ErrNotFound as well.
	ErrAlreadyResolved = fmt.Errorf("ticket already resolved: %w", ErrNotFound)
)

// Validation returns an ErrValidation-wrapped error with a user-facing message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Permission returns an ErrPermission-wrapped error.
func Permission(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

// FormulaError reports a formula or dice expression that could not be evaluated.
type FormulaError struct {
	Name string
	Expr string
	Err  error
}

func (e *FormulaError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("invalid formula %q: %v", e.Expr, e.Err)
	}
	return fmt.Sprintf("invalid formula for %q (%q): %v", e.Name, e.Expr, e.Err)
}

func (e *FormulaError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// IsUserError reports whether err should be shown to the submitter instead of
// being escalated to the operator.
func IsUserError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrDuplicateName) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}
