// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"github.com/canonical/sqlstage/internal/sqlerr"
	"github.com/canonical/sqlstage/internal/typeinfo"
)

// ArgumentError reports an invalid argument: a duplicate parameter name, a
// malformed identifier, an unnamed or unmapped result column, a missing key
// field, a bad tuple arity or an unsupported type.
type ArgumentError = sqlerr.ArgumentError

// CastError reports a failure to convert a single database value into the
// requested Go value.
type CastError = sqlerr.CastError

// CancellationError reports an operation aborted by cancellation or timeout.
type CancellationError = sqlerr.CancellationError

// Char is a host type holding exactly one character. It maps to a single
// character column and only accepts strings exactly one character long.
type Char = typeinfo.Char
