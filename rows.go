// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"github.com/canonical/sqlstage/internal/typeinfo"
)

// Rows streams the results of a query. The stream owns the temporary tables
// staged for the statement: they are dropped when the stream is closed, or
// automatically once iteration reaches the end. Callers that abandon a
// stream early must call [Rows.Close].
type Rows struct {
	cmd  *command
	rows *sql.Rows
	sig  []typeinfo.ColumnSig

	// vals and ptrs are the scratch row buffers reused across Scan calls.
	vals []any
	ptrs []any

	err      error
	closed   bool
	finished bool
}

func newRows(cmd *command, sqlRows *sql.Rows) (*Rows, error) {
	colTypes, err := sqlRows.ColumnTypes()
	if err != nil {
		sqlRows.Close()
		cmd.dispose()
		return nil, err
	}
	sig := make([]typeinfo.ColumnSig, len(colTypes))
	for i, ct := range colTypes {
		sig[i] = typeinfo.ColumnSig{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
	}
	vals := make([]any, len(sig))
	ptrs := make([]any, len(sig))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	return &Rows{cmd: cmd, rows: sqlRows, sig: sig, vals: vals, ptrs: ptrs}, nil
}

// Columns returns the names of the result columns.
func (r *Rows) Columns() []string {
	names := make([]string, len(r.sig))
	for i, c := range r.sig {
		names[i] = c.Name
	}
	return names
}

// Next prepares the next row for [Rows.Scan]. It returns false when the
// rows are exhausted or an error occurs, releasing the stream's resources
// either way. After Next returns false, check [Rows.Err].
func (r *Rows) Next() bool {
	if r.closed || r.finished || r.err != nil {
		return false
	}
	if r.rows.Next() {
		return true
	}
	r.err = wrapCancel(r.cmd.ctx, r.rows.Err())
	r.finish()
	return false
}

// Scan decodes the current row into the destination pointers. The number of
// destinations must equal the number of result columns.
func (r *Rows) Scan(dests ...any) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot scan row: %s", err)
		}
	}()
	if r.err != nil {
		return r.err
	}
	if r.closed || r.finished {
		return fmt.Errorf("iteration ended")
	}

	targets := make([]reflect.Type, len(dests))
	for i, dest := range dests {
		v := reflect.ValueOf(dest)
		if v.Kind() != reflect.Pointer || v.IsNil() {
			return fmt.Errorf("destination %d is not a non-nil pointer", i+1)
		}
		targets[i] = v.Type().Elem()
	}
	decoder, err := typeinfo.TupleDecoder(targets, r.sig)
	if err != nil {
		return err
	}
	if err := r.rows.Scan(r.ptrs...); err != nil {
		return wrapCancel(r.cmd.ctx, err)
	}
	return decoder.DecodeTuple(r.vals, dests)
}

// decodeCurrent scans the current row and decodes it into dest using a
// precompiled shape decoder.
func (r *Rows) decodeCurrent(d *typeinfo.Decoder, dest reflect.Value) error {
	if err := r.rows.Scan(r.ptrs...); err != nil {
		return wrapCancel(r.cmd.ctx, err)
	}
	return d.DecodeRow(r.vals, dest)
}

// Err returns the error, if any, that terminated iteration.
func (r *Rows) Err() error {
	return r.err
}

// Close releases the stream's resources, dropping the staged temporary
// tables. Close is idempotent and does not affect the error returned by
// [Rows.Err].
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.finish()
}

// finish closes the row set first, then drops the staged tables. The drops
// must come last, the row set may still be reading from the tables.
func (r *Rows) finish() error {
	if r.finished {
		return nil
	}
	r.finished = true
	return errors.Join(r.rows.Close(), r.cmd.dispose())
}
