// Package sferr defines the error taxonomy shared by every core component.
//
// Errors carry a machine-readable Code plus structured fields identifying
// the entity, revision, or BOM line involved. Callers dispatch on codes via
// the IsX helpers, which unwrap with errors.As.
package sferr

import (
	"errors"
	"fmt"
)

// Code categorizes core errors.
type Code string

const (
	// CodeInvalidIdentifier indicates a malformed or wrong-prefix sfid.
	CodeInvalidIdentifier Code = "INVALID_IDENTIFIER"

	// CodeAlreadyExists indicates the target path or label is occupied.
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// CodeNotFound indicates the entity, revision, or file does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeUnresolvedBOMLine indicates no released revision or alternate
	// could be resolved for a BOM line.
	CodeUnresolvedBOMLine Code = "UNRESOLVED_BOM_LINE"

	// CodeValidationError indicates a field-level data problem: disallowed
	// field for the inferred kind, duplicate BOM child, missing required
	// field, or a regex mismatch.
	CodeValidationError Code = "VALIDATION_ERROR"

	// CodeConcurrencyAbort indicates the pull found unexpected local
	// changes, or the push was rejected because the remote diverged.
	CodeConcurrencyAbort Code = "CONCURRENCY_ABORT"
)

// Error is the structured error returned by core components.
//
// Entity, Rev, and Line are populated when known so callers can report
// exactly which record the problem is about without parsing the message.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Entity is the affected sfid, if known.
	Entity string

	// Rev is the affected revision label, if known.
	Rev string

	// Line is the BOM line index (0-based) for resolution errors; -1 otherwise.
	Line int

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.Rev != "":
		return fmt.Sprintf("%s: %s (entity=%s, rev=%s)", e.Code, e.Message, e.Entity, e.Rev)
	case e.Entity != "":
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.Entity)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Line: -1}
}

// WithEntity returns e with the entity field set.
func (e *Error) WithEntity(sfid string) *Error {
	e.Entity = sfid
	return e
}

// WithRev returns e with the revision label set.
func (e *Error) WithRev(rev string) *Error {
	e.Rev = rev
	return e
}

// WithLine returns e with the BOM line index set.
func (e *Error) WithLine(i int) *Error {
	e.Line = i
	return e
}

// Wrap returns e with an underlying cause attached.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// CodeOf extracts the Code from an error chain, or "" if none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsInvalidIdentifier reports whether err is an invalid-sfid error.
func IsInvalidIdentifier(err error) bool { return CodeOf(err) == CodeInvalidIdentifier }

// IsAlreadyExists reports whether err is an already-exists error.
func IsAlreadyExists(err error) bool { return CodeOf(err) == CodeAlreadyExists }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsUnresolvedBOMLine reports whether err is an unresolved-BOM-line error.
func IsUnresolvedBOMLine(err error) bool { return CodeOf(err) == CodeUnresolvedBOMLine }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidationError }

// IsConcurrencyAbort reports whether err is a concurrency abort.
func IsConcurrencyAbort(err error) bool { return CodeOf(err) == CodeConcurrencyAbort }
