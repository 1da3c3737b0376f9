// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"context"
	"database/sql"
	"reflect"

	"github.com/canonical/sqlstage/internal/typeinfo"
)

// Exec runs the statement and discards any results. Argument values fill the
// statement's holes; [Option] values may be interleaved anywhere in args.
func (db *DB) Exec(s *Statement, args ...any) (sql.Result, error) {
	return db.ExecContext(context.Background(), s, args...)
}

// ExecContext is like [DB.Exec] with a context.
func (db *DB) ExecContext(ctx context.Context, s *Statement, args ...any) (sql.Result, error) {
	return execOn(ctx, db, s, args)
}

// Query runs the statement and returns the results as a [Rows] stream. The
// stream must be closed unless it is iterated to the end.
func (db *DB) Query(s *Statement, args ...any) (*Rows, error) {
	return db.QueryContext(context.Background(), s, args...)
}

// QueryContext is like [DB.Query] with a context.
func (db *DB) QueryContext(ctx context.Context, s *Statement, args ...any) (*Rows, error) {
	return queryOn(ctx, db, s, args)
}

// Exists runs the statement and reports whether it returned at least one row.
func (db *DB) Exists(s *Statement, args ...any) (bool, error) {
	return db.ExistsContext(context.Background(), s, args...)
}

// ExistsContext is like [DB.Exists] with a context.
func (db *DB) ExistsContext(ctx context.Context, s *Statement, args ...any) (bool, error) {
	return existsOn(ctx, db, s, args)
}

// Exec runs the statement on the transaction and discards any results.
func (tx *TX) Exec(s *Statement, args ...any) (sql.Result, error) {
	return tx.ExecContext(context.Background(), s, args...)
}

// ExecContext is like [TX.Exec] with a context.
func (tx *TX) ExecContext(ctx context.Context, s *Statement, args ...any) (sql.Result, error) {
	return execOn(ctx, tx, s, args)
}

// Query runs the statement on the transaction and returns the results as a
// [Rows] stream.
func (tx *TX) Query(s *Statement, args ...any) (*Rows, error) {
	return tx.QueryContext(context.Background(), s, args...)
}

// QueryContext is like [TX.Query] with a context.
func (tx *TX) QueryContext(ctx context.Context, s *Statement, args ...any) (*Rows, error) {
	return queryOn(ctx, tx, s, args)
}

// Exists runs the statement on the transaction and reports whether it
// returned at least one row.
func (tx *TX) Exists(s *Statement, args ...any) (bool, error) {
	return tx.ExistsContext(context.Background(), s, args...)
}

// ExistsContext is like [TX.Exists] with a context.
func (tx *TX) ExistsContext(ctx context.Context, s *Statement, args ...any) (bool, error) {
	return existsOn(ctx, tx, s, args)
}

func connDone(c Conn) error {
	if tx, ok := c.(*TX); ok && tx.isDone() {
		return ErrTXDone
	}
	return nil
}

func execOn(ctx context.Context, c Conn, s *Statement, args []any) (sql.Result, error) {
	if err := connDone(c); err != nil {
		return nil, err
	}
	cmd, err := assemble(ctx, c, s, args)
	if err != nil {
		return nil, err
	}
	result, err := cmd.exec()
	if derr := cmd.dispose(); err == nil {
		err = derr
	}
	return result, err
}

func queryOn(ctx context.Context, c Conn, s *Statement, args []any) (*Rows, error) {
	if err := connDone(c); err != nil {
		return nil, err
	}
	cmd, err := assemble(ctx, c, s, args)
	if err != nil {
		return nil, err
	}
	sqlRows, err := cmd.query()
	if err != nil {
		cmd.dispose()
		return nil, err
	}
	return newRows(cmd, sqlRows)
}

func existsOn(ctx context.Context, c Conn, s *Statement, args []any) (bool, error) {
	rows, err := queryOn(ctx, c, s, args)
	if err != nil {
		return false, err
	}
	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return exists, rows.Close()
}

// Get runs the statement and materializes the first result row as a T. T can
// be a struct type with mapped fields or a single column host type. Get
// returns [ErrNoRows] when the statement produces no rows.
func Get[T any](c Conn, s *Statement, args ...any) (T, error) {
	return GetContext[T](context.Background(), c, s, args...)
}

// GetContext is like [Get] with a context.
func GetContext[T any](ctx context.Context, c Conn, s *Statement, args ...any) (T, error) {
	var zero T
	rows, err := queryOn(ctx, c, s, args)
	if err != nil {
		return zero, err
	}

	// The decoder is compiled before the first row so that shape problems,
	// such as an unnamed result column, surface even on an empty result.
	target := reflect.TypeOf(&zero).Elem()
	decoder, err := typeinfo.DecoderForShape(target, rows.sig)
	if err != nil {
		rows.Close()
		return zero, err
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return zero, err
		}
		return zero, ErrNoRows
	}
	dest := reflect.New(target).Elem()
	err = rows.decodeCurrent(decoder, dest)
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return zero, err
	}
	return dest.Interface().(T), nil
}

// Select runs the statement and materializes every result row as a T,
// returning the rows in result order. An empty result yields an empty slice.
func Select[T any](c Conn, s *Statement, args ...any) ([]T, error) {
	return SelectContext[T](context.Background(), c, s, args...)
}

// SelectContext is like [Select] with a context.
func SelectContext[T any](ctx context.Context, c Conn, s *Statement, args ...any) ([]T, error) {
	rows, err := queryOn(ctx, c, s, args)
	if err != nil {
		return nil, err
	}

	var zero T
	target := reflect.TypeOf(&zero).Elem()
	decoder, err := typeinfo.DecoderForShape(target, rows.sig)
	if err != nil {
		rows.Close()
		return nil, err
	}

	var results []T
	for rows.Next() {
		dest := reflect.New(target).Elem()
		if err := rows.decodeCurrent(decoder, dest); err != nil {
			rows.Close()
			return nil, err
		}
		results = append(results, dest.Interface().(T))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	return results, nil
}
