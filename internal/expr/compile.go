// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"bytes"
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/canonical/sqlstage/internal/sqlerr"
	"github.com/canonical/sqlstage/internal/typeinfo"
)

// Named pairs a parameter or staged sequence value with an explicit name,
// overriding the inferred one.
type Named struct {
	Name  string
	Value any
}

// ParsedExpr is the parsed form of a statement template. It contains only
// information encoded in the template string.
type ParsedExpr struct {
	exprs []expression
}

// String returns a textual representation of the parsed template for
// debugging and testing purposes.
func (pe *ParsedExpr) String() string {
	var out bytes.Buffer
	out.WriteString("[")
	for i, e := range pe.exprs {
		if i > 0 {
			out.WriteString(" ")
		}
		out.WriteString(e.String())
	}
	out.WriteString("]")
	return out.String()
}

// TableSpec describes one temporary table to stage before the statement can
// run. The final table name carries a uniqueness token and is only known once
// the table is created, so the generated SQL holds a marker until then.
type TableSpec struct {
	// Base is the inferred or explicit base of the table name, without the
	// "#" prefix and the uniqueness token.
	Base string
	// Marker is the placeholder written into the SQL text, replaced with the
	// final quoted table name during command assembly.
	Marker string
	// Seq is the sequence of values to load.
	Seq reflect.Value
}

// Compiled is a statement template bound to concrete argument values: the
// final SQL text (up to table name substitution), the named parameters in
// order, and the temporary tables to stage in placeholder order.
type Compiled struct {
	sql    string
	params []any
	tables []*TableSpec
}

// Params returns the bound parameters, each a sql.NamedArg.
func (c *Compiled) Params() []any {
	return c.params
}

// Tables returns the temporary table specs in placeholder order.
func (c *Compiled) Tables() []*TableSpec {
	return c.tables
}

// HasTables reports whether the statement needs temporary tables staged.
func (c *Compiled) HasTables() bool {
	return len(c.tables) > 0
}

// SQL returns the final SQL text. quotedNames must hold the quoted name of
// every staged table, in placeholder order.
func (c *Compiled) SQL(quotedNames []string) (string, error) {
	if len(quotedNames) != len(c.tables) {
		return "", fmt.Errorf("internal error: %d table names for %d specs", len(quotedNames), len(c.tables))
	}
	sql := c.sql
	for i, spec := range c.tables {
		sql = strings.Replace(sql, spec.Marker, quotedNames[i], 1)
	}
	return sql, nil
}

const markerPrefix = "_sqlstage_tt_"

func markerName(n int) string {
	return markerPrefix + strconv.Itoa(n)
}

// BindArgs binds the template holes to the call arguments and returns the
// compiled statement. Arguments of named struct types referenced as
// "$Type.member" and slices referenced as "#Type" are located by type name;
// all remaining arguments feed the anonymous "$?" and "#?" holes in
// placeholder order.
func (pe *ParsedExpr) BindArgs(args []any, mode typeinfo.EnumMode) (c *Compiled, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("invalid input parameter: %s", err)
		}
	}()

	memberTypes, tableTypes, anonHoles := pe.holes()

	typed, staged, positional, err := classifyArgs(args, memberTypes, tableTypes)
	if err != nil {
		return nil, err
	}
	if len(positional) != anonHoles {
		return nil, sqlerr.Argumentf("statement has %d anonymous holes but %d positional values were supplied", anonHoles, len(positional))
	}

	b := &binder{
		mode:       mode,
		typed:      typed,
		staged:     staged,
		positional: positional,
		used:       map[string]bool{},
	}
	for _, e := range pe.exprs {
		switch e := e.(type) {
		case *bypass:
			b.sql.WriteString(e.chunk)
		case *memberParamExpr:
			if err := b.bindMember(e); err != nil {
				return nil, fmt.Errorf("%s: %s", err, e.raw)
			}
		case *anonParamExpr:
			if err := b.bindAnonParam(); err != nil {
				return nil, err
			}
		case *tableExpr:
			if err := b.bindTable(e); err != nil {
				return nil, fmt.Errorf("%s: %s", err, e.raw)
			}
		case *anonTableExpr:
			if err := b.bindAnonTable(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("internal error: unknown expression type %T", e)
		}
	}

	return &Compiled{sql: b.sql.String(), params: b.params, tables: b.tables}, nil
}

// holes collects the type names referenced by member and table holes and
// counts the anonymous holes.
func (pe *ParsedExpr) holes() (memberTypes, tableTypes map[string]bool, anonHoles int) {
	memberTypes = map[string]bool{}
	tableTypes = map[string]bool{}
	for _, e := range pe.exprs {
		switch e := e.(type) {
		case *memberParamExpr:
			memberTypes[e.ma.typeName] = true
		case *tableExpr:
			tableTypes[e.typeName] = true
		case *anonParamExpr, *anonTableExpr:
			anonHoles++
		}
	}
	return memberTypes, tableTypes, anonHoles
}

// classifyArgs splits the call arguments into the values located by type
// name, the sequences located by element type name, and the positional rest.
func classifyArgs(args []any, memberTypes, tableTypes map[string]bool) (typed map[string]reflect.Value, staged map[string]reflect.Value, positional []any, err error) {
	typed = map[string]reflect.Value{}
	staged = map[string]reflect.Value{}
	for _, arg := range args {
		if _, ok := arg.(Named); ok {
			positional = append(positional, arg)
			continue
		}
		v := reflect.ValueOf(arg)
		if !v.IsValid() {
			positional = append(positional, arg)
			continue
		}
		t := v.Type()
		switch {
		case t.Kind() == reflect.Struct && memberTypes[t.Name()]:
			if _, ok := typed[t.Name()]; ok {
				return nil, nil, nil, sqlerr.Argumentf("type %q provided more than once", t.Name())
			}
			typed[t.Name()] = v
		case t.Kind() == reflect.Slice && tableTypes[t.Elem().Name()]:
			if _, ok := staged[t.Elem().Name()]; ok {
				return nil, nil, nil, sqlerr.Argumentf("sequence of %q provided more than once", t.Elem().Name())
			}
			staged[t.Elem().Name()] = v
		default:
			positional = append(positional, arg)
		}
	}

	for name := range memberTypes {
		if _, ok := typed[name]; !ok {
			return nil, nil, nil, typeinfo.TypeMissingError(name, argTypeNames(typed, staged))
		}
	}
	for name := range tableTypes {
		if _, ok := staged[name]; !ok {
			return nil, nil, nil, typeinfo.TypeMissingError(name, argTypeNames(typed, staged))
		}
	}
	return typed, staged, positional, nil
}

func argTypeNames(typed, staged map[string]reflect.Value) []string {
	var names []string
	for name := range typed {
		names = append(names, name)
	}
	for name := range staged {
		names = append(names, name)
	}
	return names
}

// binder accumulates the SQL text, parameters and table specs while walking
// the parsed template.
type binder struct {
	mode       typeinfo.EnumMode
	typed      map[string]reflect.Value
	staged     map[string]reflect.Value
	positional []any

	sql    bytes.Buffer
	params []any
	tables []*TableSpec

	// used tracks the lower cased parameter names already bound.
	used map[string]bool
	// anonParams counts the anonymous parameter holes seen so far, to
	// generate the Parameter_<n> fallback names.
	anonParams int
}

func (b *binder) bindMember(e *memberParamExpr) error {
	argVal := b.typed[e.ma.typeName]
	entity, err := typeinfo.ForType(argVal.Type())
	if err != nil {
		return err
	}
	f, ok := entity.FieldByColumn(e.ma.memberName)
	if !ok {
		return sqlerr.Argumentf("type %q has no mapped field for %q", e.ma.typeName, e.ma.memberName)
	}
	val, err := typeinfo.SerializeValue(argVal.Field(f.Index), b.mode)
	if err != nil {
		return err
	}
	name, err := b.claimName(sanitizeName(e.ma.memberName), false)
	if err != nil {
		return err
	}
	b.writeParam(name, val)
	return nil
}

func (b *binder) bindAnonParam() error {
	b.anonParams++
	arg := b.nextPositional()

	var name string
	var explicit bool
	if named, ok := arg.(Named); ok {
		name, explicit = named.Name, true
		if !validIdentifier(name) {
			return sqlerr.Argumentf("invalid parameter name %q", name)
		}
		arg = named.Value
	} else {
		name = "Parameter_" + strconv.Itoa(b.anonParams)
	}

	v := reflect.ValueOf(arg)
	if v.IsValid() && v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		return sqlerr.Argumentf("cannot use slice of %s as a parameter value, stage it as a temporary table with #", v.Type().Elem())
	}
	val, err := typeinfo.SerializeValue(v, b.mode)
	if err != nil {
		return err
	}
	name, err = b.claimName(name, explicit)
	if err != nil {
		return err
	}
	b.writeParam(name, val)
	return nil
}

func (b *binder) bindTable(e *tableExpr) error {
	b.addTable(sanitizeName(e.typeName), b.staged[e.typeName])
	return nil
}

func (b *binder) bindAnonTable() error {
	arg := b.nextPositional()

	base := "Table_" + strconv.Itoa(len(b.tables)+1)
	if named, ok := arg.(Named); ok {
		if !validIdentifier(named.Name) {
			return sqlerr.Argumentf("invalid table name %q", named.Name)
		}
		base = named.Name
		arg = named.Value
	}

	v := reflect.ValueOf(arg)
	if !v.IsValid() || v.Kind() != reflect.Slice {
		return sqlerr.Argumentf("temporary table hole needs a slice, got %T", arg)
	}
	b.addTable(base, v)
	return nil
}

func (b *binder) addTable(base string, seq reflect.Value) {
	marker := markerName(len(b.tables))
	b.tables = append(b.tables, &TableSpec{Base: base, Marker: marker, Seq: seq})
	b.sql.WriteString(marker)
}

func (b *binder) nextPositional() any {
	arg := b.positional[0]
	b.positional = b.positional[1:]
	return arg
}

func (b *binder) writeParam(name string, val any) {
	b.sql.WriteString("@" + name)
	b.params = append(b.params, sql.Named(name, val))
}

// claimName reserves a parameter name, case insensitively. An explicit name
// that is already taken is a hard error; an inferred or fallback name gets an
// incrementing numeric suffix until it is free.
func (b *binder) claimName(name string, explicit bool) (string, error) {
	if name == "" {
		name = "Parameter_" + strconv.Itoa(b.anonParams)
	}
	if b.used[strings.ToLower(name)] {
		if explicit {
			return "", sqlerr.Argumentf("duplicate parameter name %q", name)
		}
		suffixed := name
		for i := 2; b.used[strings.ToLower(suffixed)]; i++ {
			suffixed = name + strconv.Itoa(i)
		}
		name = suffixed
	}
	b.used[strings.ToLower(name)] = true
	return name, nil
}

// sanitizeName derives a candidate SQL identifier from the textual form of
// an accessor, stripping every character that cannot appear in a name.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() == 0 && !isInitialNameChar(r) {
			continue
		}
		if isNameChar(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !isInitialNameChar(r) {
			return false
		}
		if !isNameChar(r) {
			return false
		}
	}
	return true
}
