// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package typeinfo

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/canonical/sqlstage/internal/sqlerr"
)

// EnumMode selects how enum values are serialized into query parameters and
// temporary table columns. The mode is captured once per statement execution,
// so a statement already running is not affected by a later change of the
// package default.
type EnumMode int

const (
	// EnumAsValue serializes an enum to its underlying integer.
	EnumAsValue EnumMode = iota
	// EnumAsName serializes an enum to its registered member name.
	EnumAsName
)

// EnumInfo holds the registered members of an enum type.
type EnumInfo struct {
	typ reflect.Type

	// names are the member names sorted for deterministic iteration.
	names       []string
	nameToValue map[string]int64
	valueToName map[int64]string

	// maxNameLen is the length in bytes of the longest member name, used to
	// size enum-as-name columns.
	maxNameLen int
}

func (ei *EnumInfo) Type() reflect.Type {
	return ei.typ
}

// MaxNameLen returns the length of the longest member name.
func (ei *EnumInfo) MaxNameLen() int {
	return ei.maxNameLen
}

// Name returns the member name for an enum value. The returned error
// identifies the out of range value.
func (ei *EnumInfo) Name(value int64) (string, error) {
	name, ok := ei.valueToName[value]
	if !ok {
		return "", fmt.Errorf("%d is not a valid value of enum %q", value, ei.typ.Name())
	}
	return name, nil
}

// Value returns the enum value for a member name. The returned error
// identifies the unmatched name.
func (ei *EnumInfo) Value(name string) (int64, error) {
	v, ok := ei.nameToValue[name]
	if !ok {
		return 0, fmt.Errorf("enum %q has no member named %q", ei.typ.Name(), name)
	}
	return v, nil
}

var enumCacheMutex sync.RWMutex
var enumCache = make(map[reflect.Type]*EnumInfo)

// RegisterEnum registers the members of an integral enum type. Registration
// is declare once, reuse many: the information is shared by every statement
// for the lifetime of the process. Registering the same type again replaces
// the previous registration.
func RegisterEnum(t reflect.Type, members map[string]int64) error {
	if t == nil {
		return sqlerr.Argumentf("need enum type, got nil")
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return sqlerr.Argumentf("enum type %s must have an integer kind, got %s", t, t.Kind())
	}
	if t.Name() == "" {
		return sqlerr.Argumentf("cannot register unnamed type %s as enum", t)
	}
	if len(members) == 0 {
		return sqlerr.Argumentf("enum type %q needs at least one member", t.Name())
	}

	ei := &EnumInfo{
		typ:         t,
		nameToValue: make(map[string]int64, len(members)),
		valueToName: make(map[int64]string, len(members)),
	}
	for name := range members {
		if !validColNameRx.MatchString(name) {
			return sqlerr.Argumentf("invalid enum member name %q for type %q", name, t.Name())
		}
		ei.names = append(ei.names, name)
	}
	// Sort so that duplicate values resolve to the same name on every run.
	sort.Strings(ei.names)
	for _, name := range ei.names {
		v := members[name]
		ei.nameToValue[name] = v
		if _, ok := ei.valueToName[v]; !ok {
			ei.valueToName[v] = name
		}
		if len(name) > ei.maxNameLen {
			ei.maxNameLen = len(name)
		}
	}

	enumCacheMutex.Lock()
	enumCache[t] = ei
	enumCacheMutex.Unlock()
	return nil
}

// LookupEnum returns the registered enum information for a type, if any.
func LookupEnum(t reflect.Type) (*EnumInfo, bool) {
	enumCacheMutex.RLock()
	ei, ok := enumCache[t]
	enumCacheMutex.RUnlock()
	return ei, ok
}

// enumInt converts a reflected enum value to the int64 domain used by the
// registry.
func enumInt(v reflect.Value) int64 {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint())
	default:
		return v.Int()
	}
}

// SerializeValue converts a Go value into its driver representation,
// serializing registered enums per the given mode. Non-enum values pass
// through untouched.
func SerializeValue(v reflect.Value, mode EnumMode) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if ei, ok := LookupEnum(v.Type()); ok {
		n := enumInt(v)
		if mode == EnumAsValue {
			return n, nil
		}
		name, err := ei.Name(n)
		if err != nil {
			return nil, &sqlerr.CastError{
				Column:     fmt.Sprintf("value of type %q", v.Type().Name()),
				Value:      n,
				SourceType: v.Type().String(),
				TargetType: "string",
				Reason:     err,
			}
		}
		return name, nil
	}
	if v.Type() == charType {
		return string(rune(v.Int())), nil
	}
	return v.Interface(), nil
}
