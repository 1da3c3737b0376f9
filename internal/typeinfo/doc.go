// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package typeinfo contains code relating to Go types and their processing in
sqlstage. As much as possible, reflection code is limited to this package. It
holds the cached entity metadata of mapped struct types, the enum registry,
the host to SQL column type mapping used for staged temporary tables, and the
compiled row decoders that materialize result rows into scalar, tuple and
record shapes.
*/
package typeinfo
