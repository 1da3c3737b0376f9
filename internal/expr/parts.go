// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
)

// expression represents one segment of a parsed statement template. A parsed
// template is an ordered list of expressions.
type expression interface {
	// String returns a representation of the expression for debugging and
	// testing purposes.
	String() string
}

// memberAccessor stores an accessor of the form Type.member.
type memberAccessor struct {
	typeName   string
	memberName string
}

func (ma memberAccessor) String() string {
	return ma.typeName + "." + ma.memberName
}

// bypass is a chunk of literal SQL text passed to the database verbatim.
type bypass struct {
	chunk string
}

func (b *bypass) String() string {
	return "Bypass[" + b.chunk + "]"
}

// memberParamExpr is a parameter hole of the form "$Type.member". The value
// is located in the argument of the named type and the parameter name is
// inferred from the member's textual form.
type memberParamExpr struct {
	ma  memberAccessor
	raw string
}

func (e *memberParamExpr) String() string {
	return fmt.Sprintf("Param[%s]", e.ma)
}

// anonParamExpr is an anonymous parameter hole of the form "$?". It consumes
// the next positional argument; the parameter name falls back to
// Parameter_<n> unless the argument carries an explicit name.
type anonParamExpr struct {
	raw string
}

func (e *anonParamExpr) String() string {
	return "Param[?]"
}

// tableExpr is a temporary table hole of the form "#Type". The staged
// sequence is located among the arguments by its element type name, which
// also seeds the generated table name.
type tableExpr struct {
	typeName string
	raw      string
}

func (e *tableExpr) String() string {
	return fmt.Sprintf("Table[%s]", e.typeName)
}

// anonTableExpr is an anonymous temporary table hole of the form "#?". It
// consumes the next positional slice argument.
type anonTableExpr struct {
	raw string
}

func (e *anonTableExpr) String() string {
	return "Table[?]"
}
