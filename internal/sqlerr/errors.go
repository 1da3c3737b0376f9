// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package sqlerr defines the error taxonomy of sqlstage. Argument errors
report misuse of the API, cast errors report value conversion failures and
cancellation errors report aborts triggered by a context. Errors returned
by the database driver itself are never wrapped in these types so that
callers can apply driver specific handling.
*/
package sqlerr

import (
	"fmt"
)

// ArgumentError reports an invalid argument passed to sqlstage: a duplicate
// parameter name, a malformed identifier, an unnamed or unmapped result
// column, a missing key field, a bad tuple arity or an unsupported type.
type ArgumentError struct {
	msg string
}

// Argumentf creates an ArgumentError from a format string.
func Argumentf(format string, args ...any) *ArgumentError {
	return &ArgumentError{msg: fmt.Sprintf(format, args...)}
}

func (e *ArgumentError) Error() string {
	return e.msg
}

// CastError reports a failure to convert a single database value into the
// requested Go value. It always identifies the offending column, the value
// itself and the source and target types.
type CastError struct {
	// Column identifies the column the value came from, either by name or
	// by 1-based position, e.g. `column "name"` or "1st column".
	Column string
	// Value is the database value that could not be converted. A database
	// NULL is represented as nil.
	Value any
	// SourceType is the name of the type the database handed us.
	SourceType string
	// TargetType is the name of the type requested by the caller.
	TargetType string
	// Reason optionally holds a nested error with conversion specific
	// detail, e.g. which enum member lookup failed.
	Reason error
}

func (e *CastError) Error() string {
	val := "NULL"
	if e.Value != nil {
		val = fmt.Sprintf("%q", fmt.Sprintf("%v", e.Value))
	}
	s := fmt.Sprintf("cannot convert %s: value %s of type %s is not assignable to type %s",
		e.Column, val, e.SourceType, e.TargetType)
	if e.Reason != nil {
		s += ": " + e.Reason.Error()
	}
	return s
}

func (e *CastError) Unwrap() error {
	return e.Reason
}

// CancellationError reports an operation aborted by the caller's context. It
// carries the cause of the cancellation so that the triggering signal can be
// identified with errors.Is.
type CancellationError struct {
	// Cause is the context cause, typically context.Canceled or
	// context.DeadlineExceeded, or the value given to context.CancelCause.
	Cause error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("operation aborted: %s", e.Cause)
}

func (e *CancellationError) Unwrap() error {
	return e.Cause
}
