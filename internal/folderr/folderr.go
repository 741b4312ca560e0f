// Package folderr defines the error kinds shared by all datafold core
// components. Callers classify failures with [errors.Is] against the
// exported kind sentinels; messages carry the operation context via
// the usual %w wrapping.
package folderr

import (
	"errors"
	"fmt"
)

// Kind sentinels. Every error produced by the core wraps exactly one of
// these so that callers can branch on failure class without string
// matching.
var (
	// ErrNotFound indicates a named schema, field, transform, or atom
	// is absent. Recoverable by the caller.
	ErrNotFound = errors.New("not found")

	// ErrInvalidData indicates a structural validation failure:
	// malformed schema document, missing range key on a range-schema
	// mutation, null single-field value. Never retried.
	ErrInvalidData = errors.New("invalid data")

	// ErrInvalidField indicates a referenced field does not exist on
	// the resolved schema.
	ErrInvalidField = errors.New("invalid field")

	// ErrInvalidPermission indicates perimeter policy denied the
	// operation, or the schema's state gates it.
	ErrInvalidPermission = errors.New("permission denied")

	// ErrSubstrate indicates the KV layer reported failure. Retryable
	// on the orchestrator's execution path only.
	ErrSubstrate = errors.New("substrate error")

	// ErrTransformLogic indicates evaluation of a transform expression
	// failed (undefined variable, type mismatch). Never retried.
	ErrTransformLogic = errors.New("transform logic error")

	// ErrConflict indicates an idempotence check found a contradictory
	// existing record (e.g. schema exists in a different state).
	ErrConflict = errors.New("conflict")
)

// NotFound returns an ErrNotFound error with formatted context.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// InvalidData returns an ErrInvalidData error with formatted context.
func InvalidData(format string, args ...any) error {
	return wrap(ErrInvalidData, format, args...)
}

// InvalidField returns an ErrInvalidField error with formatted context.
func InvalidField(format string, args ...any) error {
	return wrap(ErrInvalidField, format, args...)
}

// InvalidPermission returns an ErrInvalidPermission error with formatted context.
func InvalidPermission(format string, args ...any) error {
	return wrap(ErrInvalidPermission, format, args...)
}

// Substrate wraps a KV-layer failure as an ErrSubstrate error.
func Substrate(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrSubstrate, err)
}

// TransformLogic returns an ErrTransformLogic error with formatted context.
func TransformLogic(format string, args ...any) error {
	return wrap(ErrTransformLogic, format, args...)
}

// Conflict returns an ErrConflict error with formatted context.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// Retryable reports whether err may be retried by the orchestrator's
// execution path. Only substrate failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrSubstrate)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
