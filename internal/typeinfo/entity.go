// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/canonical/sqlstage/internal/sqlerr"
)

// Tabler is implemented by entity types that want to override the table name
// derived from the type name.
type Tabler interface {
	TableName() string
}

var tablerInterface = reflect.TypeOf((*Tabler)(nil)).Elem()

// Field holds the mapping of one exported struct field to a database column.
type Field struct {
	// Name is the Go field name.
	Name string
	// Column is the column name, taken from the "db" tag when present,
	// otherwise the field name.
	Column string
	// Index is the field index for reflect Type.Field.
	Index int
	// Type is the field type.
	Type reflect.Type
	// Key marks the field tagged with the "key" option.
	Key bool
	// OmitEmpty marks the field tagged with the "omitempty" option.
	OmitEmpty bool
}

// Entity holds the cached mapping of a struct type to a table. It is computed
// once per type and shared between all statements.
type Entity struct {
	typ reflect.Type

	// Table is the table name, either the TableName override or the type
	// name.
	Table string

	// Fields are the mapped fields in declaration order. Fields tagged
	// `db:"-"` are excluded.
	Fields []*Field

	// colToField indexes the mapped fields by lower cased column name.
	colToField map[string]*Field

	key *Field
}

func (e *Entity) Type() reflect.Type {
	return e.typ
}

// FieldByColumn finds the mapped field for a column name. The match is case
// insensitive.
func (e *Entity) FieldByColumn(column string) (*Field, bool) {
	f, ok := e.colToField[strings.ToLower(column)]
	return f, ok
}

// Key returns the field tagged with the "key" option. An ArgumentError is
// returned if the type has no key field.
func (e *Entity) Key() (*Field, error) {
	if e.key == nil {
		return nil, sqlerr.Argumentf("type %q has no field tagged with the %q option", e.typ.Name(), "key")
	}
	return e.key, nil
}

// entityCache caches entity metadata across calls.
var entityCacheMutex sync.RWMutex
var entityCache = make(map[reflect.Type]*Entity)

// ForType returns the entity metadata for a struct type, generating and
// caching it as required.
func ForType(t reflect.Type) (*Entity, error) {
	if t == nil {
		return nil, sqlerr.Argumentf("need struct type, got nil")
	}
	entityCacheMutex.RLock()
	e, found := entityCache[t]
	entityCacheMutex.RUnlock()
	if found {
		return e, nil
	}

	e, err := generateEntity(t)
	if err != nil {
		return nil, err
	}

	entityCacheMutex.Lock()
	entityCache[t] = e
	entityCacheMutex.Unlock()
	return e, nil
}

func generateEntity(t reflect.Type) (*Entity, error) {
	if t.Kind() != reflect.Struct {
		return nil, sqlerr.Argumentf("need struct type, got %s", t.Kind())
	}
	if t.Name() == "" {
		return nil, sqlerr.Argumentf("cannot use anonymous struct")
	}

	e := &Entity{
		typ:        t,
		Table:      t.Name(),
		colToField: make(map[string]*Field),
	}
	if t.Implements(tablerInterface) {
		e.Table = reflect.New(t).Elem().Interface().(Tabler).TableName()
	} else if reflect.PointerTo(t).Implements(tablerInterface) {
		e.Table = reflect.New(t).Interface().(Tabler).TableName()
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("db")
		if tag == "-" {
			continue
		}
		if !f.IsExported() {
			if tag != "" {
				return nil, sqlerr.Argumentf("field %q of struct %s has a %q tag but is not exported", f.Name, t.Name(), "db")
			}
			continue
		}

		column, key, omitEmpty, err := parseTag(tag)
		if err != nil {
			return nil, sqlerr.Argumentf("cannot parse tag for field %s.%s: %s", t.Name(), f.Name, err)
		}
		if column == "" {
			column = f.Name
		}
		field := &Field{
			Name:      f.Name,
			Column:    column,
			Index:     i,
			Type:      f.Type,
			Key:       key,
			OmitEmpty: omitEmpty,
		}

		lower := strings.ToLower(column)
		if dupe, ok := e.colToField[lower]; ok {
			return nil, sqlerr.Argumentf("fields %q and %q of struct %s both map to column %q",
				dupe.Name, f.Name, t.Name(), column)
		}
		e.colToField[lower] = field
		e.Fields = append(e.Fields, field)

		if key {
			if e.key != nil {
				return nil, sqlerr.Argumentf("struct %s has more than one field tagged with the %q option", t.Name(), "key")
			}
			e.key = field
		}
	}

	if len(e.Fields) == 0 {
		return nil, sqlerr.Argumentf("struct %s has no mapped fields", t.Name())
	}
	return e, nil
}

// This expression should be aligned with the identifier characters accepted
// by the template parser.
var validColNameRx = regexp.MustCompile(`^([a-zA-Z_])+([a-zA-Z_0-9])*$`)

// parseTag parses a "db" struct tag and returns the column name and whether
// the tag carries the "key" and "omitempty" options.
func parseTag(tag string) (string, bool, bool, error) {
	if tag == "" {
		return "", false, false, nil
	}
	options := strings.Split(tag, ",")

	var key, omitEmpty bool
	for _, flag := range options[1:] {
		switch flag {
		case "key":
			key = true
		case "omitempty":
			omitEmpty = true
		default:
			return "", false, false, fmt.Errorf("unsupported flag %q in tag %q", flag, tag)
		}
	}

	name := options[0]
	if name == "" {
		// A bare option list such as `db:",key"` falls back to the field
		// name.
		return "", key, omitEmpty, nil
	}
	if !validColNameRx.MatchString(name) {
		return "", false, false, fmt.Errorf("invalid column name in 'db' tag: %q", name)
	}
	return name, key, omitEmpty, nil
}

// TypeMissingError returns an error specifying the missing type and the types
// that are present.
func TypeMissingError(missingType string, existingTypes []string) error {
	if len(existingTypes) == 0 {
		return sqlerr.Argumentf("parameter with type %q missing", missingType)
	}
	sort.Strings(existingTypes)
	// "%s" is used instead of %q to correctly print double quotes within the joined string.
	return sqlerr.Argumentf(`parameter with type %q missing (have "%s")`, missingType, strings.Join(existingTypes, `", "`))
}
