/*
errors.go - Centralized error types for the site book

PURPOSE:
  All error classes the engine and the stores can produce, in one place.
  Callers test with errors.Is against the sentinels or errors.As against
  the structured types.

ERROR CATEGORIES:
  1. NotFound   - a mandatory log / site / material / labour id is absent
  2. Validation - malformed payload, raised before any mutation
  3. Transient  - store unavailable or timed out; never retried here

  A line item pointing at a missing material is NOT an error. Stock going
  negative is NOT an error.

SEE ALSO:
  - reconcile.go: raises NotFound for unknown logs
  - validate.go: builds ValidationError
  - api/handlers.go: maps categories to HTTP status codes
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a payload is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrTransient is returned when the store is unavailable or a call
	// exceeded its deadline.
	ErrTransient = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "log", "site", "material", "labour", "overhead"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound builds a NotFoundError for any of the typed ids.
func NotFound[ID ~string](kind string, id ID) error {
	return &NotFoundError{Kind: kind, ID: string(id)}
}

// ValidationError maps offending fields to the rule they broke.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is a shorthand for a single-field ValidationError.
func Invalid(field, rule string) error {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

// TransientError wraps a store failure that may succeed later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrTransient, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// Transient marks err as transient. Context deadline and cancellation are
// always transient; nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTransient returns true if the error might succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
