// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	. "gopkg.in/check.v1"

	"github.com/canonical/sqlstage/internal/typeinfo"
)

// Hook up gocheck into the "go test" runner.
func TestTypeInfo(t *testing.T) { TestingT(t) }

type TypeInfoSuite struct{}

var _ = Suite(&TypeInfoSuite{})

type Employee struct {
	ID       int64  `db:"id,key"`
	FullName string `db:"name"`
	Team     string
	Secret   string `db:"-"`
	Note     *string
}

type renamedTable struct {
	ID int64 `db:"id"`
}

func (renamedTable) TableName() string { return "the_table" }

type Weekday int

func init() {
	err := typeinfo.RegisterEnum(reflect.TypeOf(Weekday(0)), map[string]int64{
		"Monday":  1,
		"Tuesday": 2,
		"Friday":  5,
	})
	if err != nil {
		panic(err)
	}
}

func (s *TypeInfoSuite) TestEntityMapping(c *C) {
	e, err := typeinfo.ForType(reflect.TypeOf(Employee{}))
	c.Assert(err, IsNil)
	c.Assert(e.Table, Equals, "Employee")

	var cols []string
	for _, f := range e.Fields {
		cols = append(cols, f.Column)
	}
	c.Assert(cols, DeepEquals, []string{"id", "name", "Team", "Note"})

	f, ok := e.FieldByColumn("NAME")
	c.Assert(ok, Equals, true)
	c.Assert(f.Name, Equals, "FullName")

	key, err := e.Key()
	c.Assert(err, IsNil)
	c.Assert(key.Column, Equals, "id")
}

func (s *TypeInfoSuite) TestEntityTableOverride(c *C) {
	e, err := typeinfo.ForType(reflect.TypeOf(renamedTable{}))
	c.Assert(err, IsNil)
	c.Assert(e.Table, Equals, "the_table")
}

func (s *TypeInfoSuite) TestEntityErrors(c *C) {
	type NoKey struct {
		Name string `db:"name"`
	}
	e, err := typeinfo.ForType(reflect.TypeOf(NoKey{}))
	c.Assert(err, IsNil)
	_, err = e.Key()
	c.Assert(err, ErrorMatches, `type "NoKey" has no field tagged with the "key" option`)

	type DupeColumn struct {
		A string `db:"x"`
		B string `db:"X"`
	}
	_, err = typeinfo.ForType(reflect.TypeOf(DupeColumn{}))
	c.Assert(err, ErrorMatches, `fields "A" and "B" of struct DupeColumn both map to column "X"`)

	type TwoKeys struct {
		A int64 `db:"a,key"`
		B int64 `db:"b,key"`
	}
	_, err = typeinfo.ForType(reflect.TypeOf(TwoKeys{}))
	c.Assert(err, ErrorMatches, `struct TwoKeys has more than one field tagged with the "key" option`)

	type Empty struct{}
	_, err = typeinfo.ForType(reflect.TypeOf(Empty{}))
	c.Assert(err, ErrorMatches, `struct Empty has no mapped fields`)

	_, err = typeinfo.ForType(reflect.TypeOf(struct {
		X int `db:"x"`
	}{}))
	c.Assert(err, ErrorMatches, `cannot use anonymous struct`)

	_, err = typeinfo.ForType(reflect.TypeOf(42))
	c.Assert(err, ErrorMatches, `need struct type, got int`)
}

func (s *TypeInfoSuite) TestRegisterEnum(c *C) {
	ei, ok := typeinfo.LookupEnum(reflect.TypeOf(Weekday(0)))
	c.Assert(ok, Equals, true)
	c.Assert(ei.MaxNameLen(), Equals, 7)

	name, err := ei.Name(5)
	c.Assert(err, IsNil)
	c.Assert(name, Equals, "Friday")

	_, err = ei.Name(3)
	c.Assert(err, ErrorMatches, `3 is not a valid value of enum "Weekday"`)

	v, err := ei.Value("Tuesday")
	c.Assert(err, IsNil)
	c.Assert(v, Equals, int64(2))

	_, err = ei.Value("Sunday")
	c.Assert(err, ErrorMatches, `enum "Weekday" has no member named "Sunday"`)
}

func (s *TypeInfoSuite) TestRegisterEnumErrors(c *C) {
	type notAnInt string
	err := typeinfo.RegisterEnum(reflect.TypeOf(notAnInt("")), map[string]int64{"A": 1})
	c.Assert(err, ErrorMatches, `enum type .* must have an integer kind, got string`)

	type emptyEnum int
	err = typeinfo.RegisterEnum(reflect.TypeOf(emptyEnum(0)), map[string]int64{})
	c.Assert(err, ErrorMatches, `enum type "emptyEnum" needs at least one member`)

	err = typeinfo.RegisterEnum(reflect.TypeOf(emptyEnum(0)), map[string]int64{"not a name": 1})
	c.Assert(err, ErrorMatches, `invalid enum member name "not a name" for type "emptyEnum"`)
}

func (s *TypeInfoSuite) TestSerializeValue(c *C) {
	v, err := typeinfo.SerializeValue(reflect.ValueOf(Weekday(5)), typeinfo.EnumAsValue)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, int64(5))

	v, err = typeinfo.SerializeValue(reflect.ValueOf(Weekday(5)), typeinfo.EnumAsName)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, "Friday")

	_, err = typeinfo.SerializeValue(reflect.ValueOf(Weekday(9)), typeinfo.EnumAsName)
	c.Assert(err, ErrorMatches, `.*9 is not a valid value of enum "Weekday"`)

	v, err = typeinfo.SerializeValue(reflect.ValueOf(typeinfo.Char('x')), typeinfo.EnumAsValue)
	c.Assert(err, IsNil)
	c.Assert(v, Equals, "x")

	var p *int
	v, err = typeinfo.SerializeValue(reflect.ValueOf(p), typeinfo.EnumAsValue)
	c.Assert(err, IsNil)
	c.Assert(v, IsNil)
}

type allColumns struct {
	Flag    bool            `db:"flag"`
	Tiny    uint8           `db:"tiny"`
	Small   int16           `db:"small"`
	Normal  int32           `db:"normal"`
	Big     int64           `db:"big"`
	Real    float32         `db:"real"`
	Double  float64         `db:"double"`
	Text    string          `db:"text"`
	Initial typeinfo.Char   `db:"initial"`
	When    time.Time       `db:"when"`
	GUID    uuid.UUID       `db:"guid"`
	Amount  decimal.Decimal `db:"amount"`
	Blob    []byte          `db:"blob"`
	Day     Weekday         `db:"day"`
	MaybeN  *int32          `db:"maybe_n"`
}

func (s *TypeInfoSuite) TestColumnsForStruct(c *C) {
	cols, err := typeinfo.ColumnsForType(reflect.TypeOf(allColumns{}), typeinfo.EnumAsValue)
	c.Assert(err, IsNil)

	types := map[string]string{}
	nullable := map[string]bool{}
	for _, col := range cols {
		types[col.Name] = col.SQLType
		nullable[col.Name] = col.Nullable
	}
	c.Assert(types, DeepEquals, map[string]string{
		"flag":    "BOOLEAN",
		"tiny":    "TINYINT",
		"small":   "SMALLINT",
		"normal":  "INT",
		"big":     "BIGINT",
		"real":    "REAL",
		"double":  "DOUBLE PRECISION",
		"text":    "TEXT",
		"initial": "CHAR(1)",
		"when":    "TIMESTAMP",
		"guid":    "CHAR(36)",
		"amount":  "DECIMAL",
		"blob":    "BLOB",
		"day":     "BIGINT",
		"maybe_n": "INT",
	})
	c.Assert(nullable["maybe_n"], Equals, true)
	c.Assert(nullable["text"], Equals, false)
}

func (s *TypeInfoSuite) TestColumnsForScalar(c *C) {
	cols, err := typeinfo.ColumnsForType(reflect.TypeOf(int64(0)), typeinfo.EnumAsValue)
	c.Assert(err, IsNil)
	c.Assert(cols, HasLen, 1)
	c.Assert(cols[0].Name, Equals, "Value")
	c.Assert(cols[0].SQLType, Equals, "BIGINT")

	cols, err = typeinfo.ColumnsForType(reflect.TypeOf(""), typeinfo.EnumAsValue)
	c.Assert(err, IsNil)
	c.Assert(cols[0].SQLType, Equals, "TEXT")
	c.Assert(cols[0].Collate, Equals, true)
}

func (s *TypeInfoSuite) TestColumnsForEnumAsName(c *C) {
	cols, err := typeinfo.ColumnsForType(reflect.TypeOf(Weekday(0)), typeinfo.EnumAsName)
	c.Assert(err, IsNil)
	c.Assert(cols[0].SQLType, Equals, "VARCHAR(7)")
	c.Assert(cols[0].Collate, Equals, true)
}

func (s *TypeInfoSuite) TestColumnValue(c *C) {
	cols, err := typeinfo.ColumnsForType(reflect.TypeOf(Employee{}), typeinfo.EnumAsValue)
	c.Assert(err, IsNil)

	e := Employee{ID: 3, FullName: "Fred", Team: "tools"}
	v, err := cols[0].Value(reflect.ValueOf(e))
	c.Assert(err, IsNil)
	c.Assert(v, Equals, int64(3))

	v, err = cols[3].Value(reflect.ValueOf(e))
	c.Assert(err, IsNil)
	c.Assert(v, IsNil)
}

func sig(pairs ...string) []typeinfo.ColumnSig {
	var cols []typeinfo.ColumnSig
	for i := 0; i+1 < len(pairs); i += 2 {
		cols = append(cols, typeinfo.ColumnSig{Name: pairs[i], DatabaseType: pairs[i+1]})
	}
	return cols
}

func (s *TypeInfoSuite) TestScalarDecode(c *C) {
	d, err := typeinfo.DecoderForShape(reflect.TypeOf(int32(0)), sig("Value", "INT"))
	c.Assert(err, IsNil)

	var out int32
	err = d.DecodeRow([]any{int64(42)}, reflect.ValueOf(&out).Elem())
	c.Assert(err, IsNil)
	c.Assert(out, Equals, int32(42))
}

func (s *TypeInfoSuite) TestScalarDecodeNull(c *C) {
	d, err := typeinfo.DecoderForShape(reflect.TypeOf(int32(0)), sig("n", "INT"))
	c.Assert(err, IsNil)

	var out int32
	err = d.DecodeRow([]any{nil}, reflect.ValueOf(&out).Elem())
	c.Assert(err, ErrorMatches, `cannot convert column "n": value NULL of type NULL is not assignable to type int32`)
}

func (s *TypeInfoSuite) TestScalarDecodeNullPointer(c *C) {
	d, err := typeinfo.DecoderForShape(reflect.TypeOf((*int32)(nil)), sig("n", "INT"))
	c.Assert(err, IsNil)

	var out *int32
	err = d.DecodeRow([]any{nil}, reflect.ValueOf(&out).Elem())
	c.Assert(err, IsNil)
	c.Assert(out, IsNil)

	err = d.DecodeRow([]any{int64(7)}, reflect.ValueOf(&out).Elem())
	c.Assert(err, IsNil)
	c.Assert(*out, Equals, int32(7))
}

func (s *TypeInfoSuite) TestCharDecode(c *C) {
	d, err := typeinfo.DecoderForShape(reflect.TypeOf(typeinfo.Char(0)), sig("initial", "CHAR(1)"))
	c.Assert(err, IsNil)

	var out typeinfo.Char
	err = d.DecodeRow([]any{"x"}, reflect.ValueOf(&out).Elem())
	c.Assert(err, IsNil)
	c.Assert(out, Equals, typeinfo.Char('x'))

	err = d.DecodeRow([]any{"xy"}, reflect.ValueOf(&out).Elem())
	c.Assert(err, ErrorMatches, `cannot convert column "initial": value "xy" of type string is not assignable to type typeinfo.Char: `+
		`the string must be exactly one character long, got 2 characters`)
}

func (s *TypeInfoSuite) TestIntOverflowDecode(c *C) {
	d, err := typeinfo.DecoderForShape(reflect.TypeOf(int8(0)), sig("n", "INT"))
	c.Assert(err, IsNil)

	var out int8
	err = d.DecodeRow([]any{int64(1000)}, reflect.ValueOf(&out).Elem())
	c.Assert(err, ErrorMatches, `cannot convert column "n": value "1000" of type int64 is not assignable to type int8: value out of range for int8`)
}

func (s *TypeInfoSuite) TestRecordDecode(c *C) {
	cols := sig("id", "BIGINT", "name", "TEXT")
	d, err := typeinfo.DecoderForShape(reflect.TypeOf(Employee{}), cols)
	c.Assert(err, IsNil)

	var out Employee
	err = d.DecodeRow([]any{int64(1), "Fred"}, reflect.ValueOf(&out).Elem())
	c.Assert(err, IsNil)
	c.Assert(out, DeepEquals, Employee{ID: 1, FullName: "Fred"})
}

func (s *TypeInfoSuite) TestRecordDecodeUnnamedColumn(c *C) {
	cols := sig("id", "BIGINT", "", "TEXT")
	_, err := typeinfo.DecoderForShape(reflect.TypeOf(Employee{}), cols)
	c.Assert(err, ErrorMatches, `cannot read Employee: 2nd column has no name`)
}

func (s *TypeInfoSuite) TestRecordDecodeUnmappedColumn(c *C) {
	cols := sig("id", "BIGINT", "salary", "BIGINT")
	_, err := typeinfo.DecoderForShape(reflect.TypeOf(Employee{}), cols)
	c.Assert(err, ErrorMatches, `cannot read Employee: no mapped field for column "salary"`)
}

func (s *TypeInfoSuite) TestEnumDecode(c *C) {
	d, err := typeinfo.DecoderForShape(reflect.TypeOf(Weekday(0)), sig("day", "BIGINT"))
	c.Assert(err, IsNil)

	var out Weekday
	err = d.DecodeRow([]any{int64(2)}, reflect.ValueOf(&out).Elem())
	c.Assert(err, IsNil)
	c.Assert(out, Equals, Weekday(2))

	err = d.DecodeRow([]any{int64(9)}, reflect.ValueOf(&out).Elem())
	c.Assert(err, ErrorMatches, `cannot convert column "day": value "9" of type int64 is not assignable to type typeinfo_test.Weekday: 9 is not a valid value of enum "Weekday"`)

	err = d.DecodeRow([]any{"Friday"}, reflect.ValueOf(&out).Elem())
	c.Assert(err, IsNil)
	c.Assert(out, Equals, Weekday(5))

	err = d.DecodeRow([]any{"Caturday"}, reflect.ValueOf(&out).Elem())
	c.Assert(err, ErrorMatches, `cannot convert column "day": value "Caturday" of type string is not assignable to type typeinfo_test.Weekday: enum "Weekday" has no member named "Caturday"`)
}

func (s *TypeInfoSuite) TestUUIDAndDecimalDecode(c *C) {
	id := uuid.MustParse("f47ac10b-58cc-0372-8567-0e02b2c3d479")
	d, err := typeinfo.DecoderForShape(reflect.TypeOf(uuid.UUID{}), sig("guid", "CHAR(36)"))
	c.Assert(err, IsNil)
	var gotID uuid.UUID
	err = d.DecodeRow([]any{id.String()}, reflect.ValueOf(&gotID).Elem())
	c.Assert(err, IsNil)
	c.Assert(gotID, Equals, id)

	d, err = typeinfo.DecoderForShape(reflect.TypeOf(decimal.Decimal{}), sig("amount", "DECIMAL"))
	c.Assert(err, IsNil)
	var amount decimal.Decimal
	err = d.DecodeRow([]any{"12.34"}, reflect.ValueOf(&amount).Elem())
	c.Assert(err, IsNil)
	c.Assert(amount.String(), Equals, "12.34")
}

func (s *TypeInfoSuite) TestTupleDecoder(c *C) {
	cols := sig("a", "BIGINT", "b", "TEXT")
	d, err := typeinfo.TupleDecoder([]reflect.Type{reflect.TypeOf(int64(0)), reflect.TypeOf("")}, cols)
	c.Assert(err, IsNil)

	var a int64
	var b string
	err = d.DecodeTuple([]any{int64(5), "five"}, []any{&a, &b})
	c.Assert(err, IsNil)
	c.Assert(a, Equals, int64(5))
	c.Assert(b, Equals, "five")
}

func (s *TypeInfoSuite) TestTupleDecoderArity(c *C) {
	cols := sig("a", "BIGINT", "b", "TEXT")
	_, err := typeinfo.TupleDecoder([]reflect.Type{reflect.TypeOf(int64(0))}, cols)
	c.Assert(err, ErrorMatches, `tuple of 1 elements cannot hold a row of 2 columns`)

	var eight []reflect.Type
	for i := 0; i < 8; i++ {
		eight = append(eight, reflect.TypeOf(int64(0)))
	}
	_, err = typeinfo.TupleDecoder(eight, cols)
	c.Assert(err, ErrorMatches, `tuples of more than 7 elements are not supported, got 8`)
}

func (s *TypeInfoSuite) TestDecoderCacheReuse(c *C) {
	cols := sig("id", "BIGINT", "name", "TEXT")
	before := typeinfo.DecoderCompiles()

	d1, err := typeinfo.DecoderForShape(reflect.TypeOf(Employee{}), cols)
	c.Assert(err, IsNil)
	d2, err := typeinfo.DecoderForShape(reflect.TypeOf(Employee{}), cols)
	c.Assert(err, IsNil)
	c.Assert(d2, Equals, d1)
	c.Assert(typeinfo.DecoderCompiles()-before <= 1, Equals, true)
}
