// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import (
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/canonical/sqlstage/internal/sqlerr"
)

// Char is a single database character. Unlike a plain string, reading into a
// Char fails unless the source value is exactly one character long.
type Char rune

// ScalarColumnName is the column name used when a sequence of scalar values
// is staged as a temporary table.
const ScalarColumnName = "Value"

var (
	charType    = reflect.TypeOf(Char(0))
	timeType    = reflect.TypeOf(time.Time{})
	uuidType    = reflect.TypeOf(uuid.UUID{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
	bytesType   = reflect.TypeOf([]byte(nil))
)

// nullableTypes maps the sql.Null* wrapper types to the value type they
// wrap.
var nullableTypes = map[reflect.Type]reflect.Type{
	reflect.TypeOf(sql.NullBool{}):    reflect.TypeOf(false),
	reflect.TypeOf(sql.NullByte{}):    reflect.TypeOf(byte(0)),
	reflect.TypeOf(sql.NullInt16{}):   reflect.TypeOf(int16(0)),
	reflect.TypeOf(sql.NullInt32{}):   reflect.TypeOf(int32(0)),
	reflect.TypeOf(sql.NullInt64{}):   reflect.TypeOf(int64(0)),
	reflect.TypeOf(sql.NullFloat64{}): reflect.TypeOf(float64(0)),
	reflect.TypeOf(sql.NullString{}):  reflect.TypeOf(""),
	reflect.TypeOf(sql.NullTime{}):    timeType,
}

// Column describes one column of a staged temporary table.
type Column struct {
	// Name is the column name: the mapped field column for complex element
	// types, or ScalarColumnName for scalar ones.
	Name string
	// SQLType is the declared column type.
	SQLType string
	// Nullable is true when the host type admits NULL.
	Nullable bool
	// Collate is true for text columns that must carry the database's
	// default collation.
	Collate bool

	// field is nil for the single column of a scalar element type.
	field *Field
	enum  *EnumInfo
	mode  EnumMode
}

// ColumnsForType classifies a temporary table element type as scalar or
// complex and returns its column layout. Scalar element types produce a
// single column named Value; struct element types produce one column per
// mapped field.
func ColumnsForType(elem reflect.Type, mode EnumMode) ([]Column, error) {
	if isScalarColumnType(elem) {
		col, err := columnFor(ScalarColumnName, elem, mode)
		if err != nil {
			return nil, err
		}
		return []Column{col}, nil
	}

	t := elem
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, sqlerr.Argumentf("cannot stage sequence of %s as a table", elem)
	}
	e, err := ForType(t)
	if err != nil {
		return nil, err
	}
	var cols []Column
	for _, f := range e.Fields {
		col, err := columnFor(f.Column, f.Type, mode)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %s", t.Name(), f.Name, err)
		}
		col.field = f
		cols = append(cols, col)
	}
	return cols, nil
}

// isScalarColumnType reports whether a type maps to a single database column.
func isScalarColumnType(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case charType, timeType, uuidType, decimalType, bytesType:
		return true
	}
	if _, ok := nullableTypes[t]; ok {
		return true
	}
	if _, ok := LookupEnum(t); ok {
		return true
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	}
	return false
}

// columnFor maps a host type to a column spec. Pointer and sql.Null* host
// types produce nullable columns.
func columnFor(name string, t reflect.Type, mode EnumMode) (Column, error) {
	col := Column{Name: name, mode: mode}
	if t.Kind() == reflect.Pointer {
		col.Nullable = true
		t = t.Elem()
	}
	if wrapped, ok := nullableTypes[t]; ok {
		col.Nullable = true
		t = wrapped
	}

	if ei, ok := LookupEnum(t); ok {
		col.enum = ei
		if mode == EnumAsName {
			col.SQLType = fmt.Sprintf("VARCHAR(%d)", ei.maxNameLen)
			col.Collate = true
		} else {
			col.SQLType = "BIGINT"
		}
		return col, nil
	}

	switch t {
	case charType:
		col.SQLType = "CHAR(1)"
		col.Collate = true
		return col, nil
	case timeType:
		col.SQLType = "TIMESTAMP"
		return col, nil
	case uuidType:
		col.SQLType = "CHAR(36)"
		return col, nil
	case decimalType:
		col.SQLType = "DECIMAL"
		return col, nil
	case bytesType:
		col.SQLType = "BLOB"
		return col, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		col.SQLType = "BOOLEAN"
	case reflect.Uint8:
		col.SQLType = "TINYINT"
	case reflect.Int8:
		col.SQLType = "TINYINT"
	case reflect.Int16:
		col.SQLType = "SMALLINT"
	case reflect.Int32:
		col.SQLType = "INT"
	case reflect.Int, reflect.Int64:
		col.SQLType = "BIGINT"
	case reflect.Float32:
		col.SQLType = "REAL"
	case reflect.Float64:
		col.SQLType = "DOUBLE PRECISION"
	case reflect.String:
		col.SQLType = "TEXT"
		col.Collate = true
	default:
		return Column{}, sqlerr.Argumentf("unsupported column type %s", t)
	}
	return col, nil
}

// Value extracts the driver value of this column from one element of the
// staged sequence, serializing enums per the column's mode.
func (c *Column) Value(elem reflect.Value) (any, error) {
	v := elem
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if c.field != nil {
		v = v.Field(c.field.Index)
	}
	if c.enum != nil {
		return SerializeValue(v, c.mode)
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, nil
	}
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Type() == charType {
		return string(rune(v.Int())), nil
	}
	return v.Interface(), nil
}
