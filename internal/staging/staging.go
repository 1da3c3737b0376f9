// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package staging creates, loads and drops the temporary tables backing the
// staged sequence holes of a statement.
package staging

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/canonical/sqlstage/internal/typeinfo"
)

// Queryer is the subset of database/sql operations staging needs. Both
// *sql.DB and *sql.Tx satisfy it.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// maxBindParams caps the number of bind parameters per bulk insert statement.
// SQLite's historical default limit is 999.
const maxBindParams = 500

// UniqueName derives the physical name for a temporary table from its base
// name. The appended token makes concurrent statements staging the same base
// name collision free.
func UniqueName(base string) string {
	return "#" + base + "_" + ulid.Make().String()
}

// QuoteIdent quotes a name for use as a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Create creates the temporary table name shaped after the element type of
// seq and bulk loads seq into it. The table is created even when seq is
// empty. On a load failure the table is dropped again before returning.
func Create(ctx context.Context, q Queryer, name string, seq reflect.Value, mode typeinfo.EnumMode, collation string) error {
	cols, err := typeinfo.ColumnsForType(seq.Type().Elem(), mode)
	if err != nil {
		return err
	}

	var ddl strings.Builder
	ddl.WriteString("CREATE TEMP TABLE ")
	ddl.WriteString(QuoteIdent(name))
	ddl.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			ddl.WriteString(", ")
		}
		ddl.WriteString(QuoteIdent(col.Name))
		ddl.WriteString(" ")
		ddl.WriteString(col.SQLType)
		if col.Collate && collation != "" {
			ddl.WriteString(" COLLATE ")
			ddl.WriteString(collation)
		}
		if !col.Nullable {
			ddl.WriteString(" NOT NULL")
		}
	}
	ddl.WriteString(")")

	if _, err := q.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("cannot create temporary table %s: %s", name, err)
	}

	if err := load(ctx, q, name, seq, cols); err != nil {
		// Best effort cleanup, the load error is the one worth reporting.
		_, _ = q.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+QuoteIdent(name))
		return fmt.Errorf("cannot load temporary table %s: %s", name, err)
	}
	return nil
}

// load bulk inserts seq into the table using multi-row inserts, chunked to
// stay under the bind parameter limit. Each chunk size gets one prepared
// statement reused across chunks.
func load(ctx context.Context, q Queryer, name string, seq reflect.Value, cols []typeinfo.Column) error {
	n := seq.Len()
	if n == 0 {
		return nil
	}

	rowsPerChunk := maxBindParams / len(cols)
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}
	if rowsPerChunk > n {
		rowsPerChunk = n
	}

	stmt, err := q.PrepareContext(ctx, insertSQL(name, cols, rowsPerChunk))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, 0, rowsPerChunk*len(cols))
	for offset := 0; offset < n; offset += rowsPerChunk {
		end := offset + rowsPerChunk
		if end > n {
			end = n
		}
		args = args[:0]
		for i := offset; i < end; i++ {
			elem := seq.Index(i)
			for c := range cols {
				v, err := cols[c].Value(elem)
				if err != nil {
					return fmt.Errorf("row %d: %s", i, err)
				}
				args = append(args, v)
			}
		}
		if end-offset == rowsPerChunk {
			_, err = stmt.ExecContext(ctx, args...)
		} else {
			// Final short chunk, needs its own statement shape.
			_, err = q.ExecContext(ctx, insertSQL(name, cols, end-offset), args...)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func insertSQL(name string, cols []typeinfo.Column, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(QuoteIdent(name))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(col.Name))
	}
	b.WriteString(") VALUES ")
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	return b.String()
}

// Dropper drops one staged temporary table. Dropping is idempotent, only the
// first call runs the DROP.
type Dropper struct {
	q    Queryer
	name string
	done atomic.Bool
}

// NewDropper returns a Dropper for the staged table name.
func NewDropper(q Queryer, name string) *Dropper {
	return &Dropper{q: q, name: name}
}

// Name returns the physical table name.
func (d *Dropper) Name() string {
	return d.name
}

// Drop drops the table. Subsequent calls are no-ops.
func (d *Dropper) Drop(ctx context.Context) error {
	if !d.done.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := d.q.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(d.name)); err != nil {
		return fmt.Errorf("cannot drop temporary table %s: %s", d.name, err)
	}
	return nil
}

// DefaultCollation returns the name of the database's default collation.
// BINARY is preferred whenever the database lists it: it is the engine's own
// default, and collations registered by the connection must not leak into
// staged table DDL.
func DefaultCollation(ctx context.Context, q Queryer) (string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_collation_list ORDER BY name")
	if err != nil {
		return "", fmt.Errorf("cannot determine default collation: %s", err)
	}
	defer rows.Close()
	var chosen string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("cannot determine default collation: %s", err)
		}
		if strings.EqualFold(name, "BINARY") {
			return name, nil
		}
		if chosen == "" {
			chosen = name
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("cannot determine default collation: %s", err)
	}
	return chosen, nil
}
