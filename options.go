// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"time"

	"github.com/canonical/sqlstage/internal/sqlerr"
	"github.com/canonical/sqlstage/internal/typeinfo"
)

// Kind says how the statement text is to be interpreted.
type Kind int

const (
	// KindStatement runs the text as a plain SQL statement.
	KindStatement Kind = iota
	// KindProcedure runs the text as a stored procedure call. Not every
	// database engine supports stored procedures.
	KindProcedure
)

// EnumMode controls how enum values are written to and read from the
// database.
type EnumMode = typeinfo.EnumMode

const (
	// EnumAsValue stores enums as their numeric value. This is the default.
	EnumAsValue = typeinfo.EnumAsValue
	// EnumAsName stores enums as their registered name.
	EnumAsName = typeinfo.EnumAsName
)

// Option adjusts how a single execution behaves. Options are passed in the
// argument list of the execution methods, in any position.
type Option func(*execOptions)

type execOptions struct {
	timeout  time.Duration
	kind     Kind
	enumMode EnumMode
}

// WithTimeout aborts the execution if it has not finished after d. The
// aborted execution returns a [CancellationError].
func WithTimeout(d time.Duration) Option {
	return func(o *execOptions) {
		o.timeout = d
	}
}

// WithKind sets the statement kind.
func WithKind(k Kind) Option {
	return func(o *execOptions) {
		o.kind = k
	}
}

// WithEnumMode sets how enum values are serialized and materialized for this
// execution.
func WithEnumMode(m EnumMode) Option {
	return func(o *execOptions) {
		o.enumMode = m
	}
}

// extractOptions pulls the [Option] values out of an argument list and
// applies them, returning the remaining value arguments.
func extractOptions(args []any) (*execOptions, []any, error) {
	opts := &execOptions{}
	vals := args[:0:0]
	for _, arg := range args {
		if opt, ok := arg.(Option); ok {
			opt(opts)
			continue
		}
		vals = append(vals, arg)
	}
	if opts.kind == KindProcedure {
		return nil, nil, sqlerr.Argumentf("stored procedures are not supported by this database engine")
	}
	return opts, vals, nil
}
