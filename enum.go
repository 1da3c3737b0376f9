// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"reflect"

	"github.com/canonical/sqlstage/internal/typeinfo"
)

// RegisterEnum registers the named members of an integer enum type. Once
// registered, values of the type can be used as parameters, staged sequence
// elements and materialization targets, serialized per the execution's
// [EnumMode].
//
// Registration is global and normally done from an init function:
//
//	type Color int
//
//	const (
//		Red Color = iota
//		Green
//	)
//
//	func init() {
//		sqlstage.MustRegisterEnum(map[string]Color{"Red": Red, "Green": Green})
//	}
func RegisterEnum[E ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32](members map[string]E) error {
	m := make(map[string]int64, len(members))
	for name, v := range members {
		m[name] = int64(v)
	}
	return typeinfo.RegisterEnum(reflect.TypeOf(*new(E)), m)
}

// MustRegisterEnum is the same as [RegisterEnum] except that it panics on
// error.
func MustRegisterEnum[E ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32](members map[string]E) {
	if err := RegisterEnum(members); err != nil {
		panic(err)
	}
}
