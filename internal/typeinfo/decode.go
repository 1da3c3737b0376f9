// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/canonical/sqlstage/internal/sqlerr"
)

var scannerInterface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

// ColumnSig identifies one result column for the purposes of decoder
// caching: its name and the type the driver reports for it.
type ColumnSig struct {
	Name         string
	DatabaseType string
}

// converter turns one raw driver value into a value of the target type. The
// column identity is baked in at compile time for error messages.
type converter func(v any) (reflect.Value, error)

// step applies one compiled column conversion to a destination.
type step struct {
	// col is the index of the source column in the row.
	col int
	// fieldIndex is the destination field for record decoders, -1 otherwise.
	fieldIndex int
	conv       converter
}

// Decoder converts one result row into a value of a target shape. Decoders
// are compiled once per (shape, column signature) pair and cached for the
// lifetime of the process; the practical shape space is small.
type Decoder struct {
	steps []step
}

// DecodeRow converts the raw values of one row into dest, which must be an
// addressable value of the decoder's target type.
func (d *Decoder) DecodeRow(vals []any, dest reflect.Value) error {
	for _, s := range d.steps {
		v, err := s.conv(vals[s.col])
		if err != nil {
			return err
		}
		if s.fieldIndex >= 0 {
			dest.Field(s.fieldIndex).Set(v)
		} else {
			dest.Set(v)
		}
	}
	return nil
}

// DecodeTuple converts the raw values of one row into the tuple destination
// pointers. dests must match the types the decoder was compiled for.
func (d *Decoder) DecodeTuple(vals []any, dests []any) error {
	for i, s := range d.steps {
		v, err := s.conv(vals[s.col])
		if err != nil {
			return err
		}
		reflect.ValueOf(dests[i]).Elem().Set(v)
	}
	return nil
}

// decoderKey is the cache key: target shape plus hashed column signature.
type decoderKey struct {
	shape string
	sig   uint64
	ncols int
}

var decoderCacheMutex sync.RWMutex
var decoderCache = make(map[decoderKey]*Decoder)

// decoderCompiles counts decoder compilations, exercised by tests asserting
// cache reuse.
var decoderCompiles int64

// DecoderCompiles returns the number of decoder compilations performed so
// far.
func DecoderCompiles() int64 {
	return atomic.LoadInt64(&decoderCompiles)
}

// sigHash hashes an ordered column signature.
func sigHash(cols []ColumnSig) uint64 {
	h := fnv.New64a()
	for _, c := range cols {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.DatabaseType))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func cachedDecoder(shape string, cols []ColumnSig, compile func() (*Decoder, error)) (*Decoder, error) {
	key := decoderKey{shape: shape, sig: sigHash(cols), ncols: len(cols)}
	decoderCacheMutex.RLock()
	d, ok := decoderCache[key]
	decoderCacheMutex.RUnlock()
	if ok {
		return d, nil
	}

	d, err := compile()
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&decoderCompiles, 1)

	decoderCacheMutex.Lock()
	decoderCache[key] = d
	decoderCacheMutex.Unlock()
	return d, nil
}

// IsScalarTarget reports whether a target type materializes from a single
// column rather than from a whole row.
func IsScalarTarget(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return isScalarColumnType(t)
}

// DecoderForShape compiles (or fetches from cache) the decoder converting a
// row into the given target type: a scalar shape for single-column targets,
// a record shape for mapped structs. All shape and schema validation happens
// here, before any row is read.
func DecoderForShape(target reflect.Type, cols []ColumnSig) (*Decoder, error) {
	if IsScalarTarget(target) {
		return cachedDecoder("scalar "+target.String(), cols, func() (*Decoder, error) {
			return compileScalar(target, cols)
		})
	}
	return cachedDecoder("record "+target.String(), cols, func() (*Decoder, error) {
		return compileRecord(target, cols)
	})
}

// TupleDecoder compiles (or fetches from cache) the decoder converting a row
// into a tuple of scalar destinations, one per column.
func TupleDecoder(targets []reflect.Type, cols []ColumnSig) (*Decoder, error) {
	var names []string
	for _, t := range targets {
		names = append(names, t.String())
	}
	return cachedDecoder("tuple "+strings.Join(names, ","), cols, func() (*Decoder, error) {
		return compileTuple(targets, cols)
	})
}

func compileScalar(target reflect.Type, cols []ColumnSig) (*Decoder, error) {
	if len(cols) == 0 {
		return nil, sqlerr.Argumentf("cannot read %s: result has no columns", target)
	}
	conv, err := converterFor(target, columnID(cols[0].Name, 0))
	if err != nil {
		return nil, err
	}
	return &Decoder{steps: []step{{col: 0, fieldIndex: -1, conv: conv}}}, nil
}

func compileRecord(target reflect.Type, cols []ColumnSig) (*Decoder, error) {
	e, err := ForType(target)
	if err != nil {
		return nil, err
	}
	var steps []step
	for i, c := range cols {
		if c.Name == "" {
			return nil, sqlerr.Argumentf("cannot read %s: %s has no name", target.Name(), ordinal(i+1)+" column")
		}
		f, ok := e.FieldByColumn(c.Name)
		if !ok {
			return nil, sqlerr.Argumentf("cannot read %s: no mapped field for column %q", target.Name(), c.Name)
		}
		conv, err := converterFor(f.Type, columnID(c.Name, i))
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{col: i, fieldIndex: f.Index, conv: conv})
	}
	return &Decoder{steps: steps}, nil
}

func compileTuple(targets []reflect.Type, cols []ColumnSig) (*Decoder, error) {
	if len(targets) > 7 {
		return nil, sqlerr.Argumentf("tuples of more than 7 elements are not supported, got %d", len(targets))
	}
	if len(targets) != len(cols) {
		return nil, sqlerr.Argumentf("tuple of %d elements cannot hold a row of %d columns", len(targets), len(cols))
	}
	var steps []step
	for i, t := range targets {
		conv, err := converterFor(t, ordinal(i+1)+" column")
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{col: i, fieldIndex: -1, conv: conv})
	}
	return &Decoder{steps: steps}, nil
}

// columnID renders a column identity for error messages, preferring the name
// and falling back to the 1-based position.
func columnID(name string, i int) string {
	if name == "" {
		return ordinal(i+1) + " column"
	}
	return fmt.Sprintf("column %q", name)
}

// ordinal renders 1 as "1st", 2 as "2nd" and so on.
func ordinal(n int) string {
	switch {
	case n%100 >= 11 && n%100 <= 13:
		return fmt.Sprintf("%dth", n)
	case n%10 == 1:
		return fmt.Sprintf("%dst", n)
	case n%10 == 2:
		return fmt.Sprintf("%dnd", n)
	case n%10 == 3:
		return fmt.Sprintf("%drd", n)
	}
	return fmt.Sprintf("%dth", n)
}

func castError(colID string, v any, target reflect.Type, reason error) error {
	src := "NULL"
	if v != nil {
		src = reflect.TypeOf(v).String()
	}
	return &sqlerr.CastError{
		Column:     colID,
		Value:      v,
		SourceType: src,
		TargetType: target.String(),
		Reason:     reason,
	}
}

// converterFor compiles the conversion of a raw driver value into the target
// type. The compiled function is specific to one column of one statement
// shape and is reused for every row.
func converterFor(target reflect.Type, colID string) (converter, error) {
	// Pointer targets admit NULL; everything else refuses it.
	if target.Kind() == reflect.Pointer {
		elemConv, err := converterFor(target.Elem(), colID)
		if err != nil {
			return nil, err
		}
		return func(v any) (reflect.Value, error) {
			if v == nil {
				return reflect.Zero(target), nil
			}
			ev, err := elemConv(v)
			if err != nil {
				return reflect.Value{}, err
			}
			p := reflect.New(target.Elem())
			p.Elem().Set(ev)
			return p, nil
		}, nil
	}

	// Targets implementing sql.Scanner, e.g. the sql.Null* family, decide
	// for themselves.
	if reflect.PointerTo(target).Implements(scannerInterface) && target != uuidType && target != decimalType {
		return func(v any) (reflect.Value, error) {
			p := reflect.New(target)
			if err := p.Interface().(sql.Scanner).Scan(v); err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return p.Elem(), nil
		}, nil
	}

	if ei, ok := LookupEnum(target); ok {
		return enumConverter(ei, target, colID), nil
	}

	switch target {
	case charType:
		return charConverter(target, colID), nil
	case timeType:
		return timeConverter(target, colID), nil
	case uuidType:
		return uuidConverter(target, colID), nil
	case decimalType:
		return decimalConverter(target, colID), nil
	case bytesType:
		return bytesConverter(target, colID), nil
	}

	switch target.Kind() {
	case reflect.Bool:
		return boolConverter(target, colID), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return intConverter(target, colID), nil
	case reflect.Float32, reflect.Float64:
		return floatConverter(target, colID), nil
	case reflect.String:
		return stringConverter(target, colID), nil
	case reflect.Interface:
		if target.NumMethod() == 0 {
			return func(v any) (reflect.Value, error) {
				if v == nil {
					return reflect.Zero(target), nil
				}
				return reflect.ValueOf(v), nil
			}, nil
		}
	}
	return nil, sqlerr.Argumentf("unsupported target type %s for %s", target, colID)
}

func enumConverter(ei *EnumInfo, target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case nil:
			return reflect.Value{}, castError(colID, v, target, nil)
		case int64:
			// The integer must name a registered member.
			if _, err := ei.Name(v); err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return reflect.ValueOf(v).Convert(target), nil
		case string:
			n, err := ei.Value(v)
			if err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return reflect.ValueOf(n).Convert(target), nil
		case []byte:
			n, err := ei.Value(string(v))
			if err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return reflect.ValueOf(n).Convert(target), nil
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}

func charConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		var s string
		switch v := v.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			return reflect.Value{}, castError(colID, v, target, nil)
		}
		runes := []rune(s)
		if len(runes) != 1 {
			reason := fmt.Errorf("the string must be exactly one character long, got %d characters", len(runes))
			return reflect.Value{}, castError(colID, v, target, reason)
		}
		return reflect.ValueOf(runes[0]).Convert(target), nil
	}
}

// sqliteTimeFormats are the timestamp renderings accepted from the driver,
// most specific first.
var sqliteTimeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC3339Nano,
}

func timeConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case time.Time:
			return reflect.ValueOf(v), nil
		case string:
			for _, format := range sqliteTimeFormats {
				if t, err := time.Parse(format, v); err == nil {
					return reflect.ValueOf(t), nil
				}
			}
		case []byte:
			for _, format := range sqliteTimeFormats {
				if t, err := time.Parse(format, string(v)); err == nil {
					return reflect.ValueOf(t), nil
				}
			}
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}

func uuidConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case string:
			id, err := uuid.Parse(v)
			if err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return reflect.ValueOf(id), nil
		case []byte:
			if len(v) == 16 {
				id, err := uuid.FromBytes(v)
				if err != nil {
					return reflect.Value{}, castError(colID, v, target, err)
				}
				return reflect.ValueOf(id), nil
			}
			id, err := uuid.ParseBytes(v)
			if err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return reflect.ValueOf(id), nil
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}

func decimalConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case int64:
			return reflect.ValueOf(decimal.NewFromInt(v)), nil
		case float64:
			return reflect.ValueOf(decimal.NewFromFloat(v)), nil
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return reflect.ValueOf(d), nil
		case []byte:
			d, err := decimal.NewFromString(string(v))
			if err != nil {
				return reflect.Value{}, castError(colID, v, target, err)
			}
			return reflect.ValueOf(d), nil
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}

func bytesConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case []byte:
			// Copy: the driver owns the backing array only until the next
			// row is fetched.
			b := make([]byte, len(v))
			copy(b, v)
			return reflect.ValueOf(b), nil
		case string:
			return reflect.ValueOf([]byte(v)), nil
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}

func boolConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case bool:
			return reflect.ValueOf(v).Convert(target), nil
		case int64:
			if v == 0 || v == 1 {
				return reflect.ValueOf(v == 1).Convert(target), nil
			}
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}

func intConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		n, ok := v.(int64)
		if !ok {
			return reflect.Value{}, castError(colID, v, target, nil)
		}
		out := reflect.New(target).Elem()
		switch target.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if n < 0 || out.OverflowUint(uint64(n)) {
				reason := fmt.Errorf("value out of range for %s", target)
				return reflect.Value{}, castError(colID, v, target, reason)
			}
			out.SetUint(uint64(n))
		default:
			if out.OverflowInt(n) {
				reason := fmt.Errorf("value out of range for %s", target)
				return reflect.Value{}, castError(colID, v, target, reason)
			}
			out.SetInt(n)
		}
		return out, nil
	}
}

func floatConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case float64:
			return reflect.ValueOf(v).Convert(target), nil
		case int64:
			return reflect.ValueOf(v).Convert(target), nil
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}

func stringConverter(target reflect.Type, colID string) converter {
	return func(v any) (reflect.Value, error) {
		switch v := v.(type) {
		case string:
			return reflect.ValueOf(v).Convert(target), nil
		case []byte:
			return reflect.ValueOf(string(v)).Convert(target), nil
		}
		return reflect.Value{}, castError(colID, v, target, nil)
	}
}
