// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/canonical/sqlstage/internal/sqlerr"
	"github.com/canonical/sqlstage/internal/staging"
	"github.com/canonical/sqlstage/internal/typeinfo"
)

// Insert inserts the items into the table mapped by T. The statement is
// prepared once and run per item; the summed number of affected rows is
// returned.
func Insert[T any](c Conn, items []T, opts ...Option) (int64, error) {
	return InsertContext(context.Background(), c, items, opts...)
}

// InsertContext is like [Insert] with a context.
func InsertContext[T any](ctx context.Context, c Conn, items []T, opts ...Option) (n int64, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot insert: %s", err)
		}
	}()
	entity, cols, ctx, cancel, err := writeSetup[T](ctx, opts)
	if err != nil {
		return 0, err
	}
	if cancel != nil {
		defer cancel()
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(staging.QuoteIdent(entity.Table))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(staging.QuoteIdent(col.Name))
	}
	b.WriteString(") VALUES (")
	b.WriteString(placeholders(len(cols)))
	b.WriteString(")")

	return runPerItem(ctx, c, b.String(), items, func(elem reflect.Value, args []any) ([]any, error) {
		for i := range cols {
			v, err := cols[i].Value(elem)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return args, nil
	})
}

// Update updates the items in the table mapped by T, matching each item by
// its key field. T must have a field tagged with the "key" option.
func Update[T any](c Conn, items []T, opts ...Option) (int64, error) {
	return UpdateContext(context.Background(), c, items, opts...)
}

// UpdateContext is like [Update] with a context.
func UpdateContext[T any](ctx context.Context, c Conn, items []T, opts ...Option) (n int64, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot update: %s", err)
		}
	}()
	entity, cols, ctx, cancel, err := writeSetup[T](ctx, opts)
	if err != nil {
		return 0, err
	}
	if cancel != nil {
		defer cancel()
	}
	if _, err := entity.Key(); err != nil {
		return 0, err
	}

	// cols is in field order, matching entity.Fields.
	var setCols, keyCols []int
	for i, f := range entity.Fields {
		if f.Key {
			keyCols = append(keyCols, i)
		} else {
			setCols = append(setCols, i)
		}
	}
	if len(setCols) == 0 {
		return 0, sqlerr.Argumentf("type %q has no non-key fields to update", entity.Type().Name())
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(staging.QuoteIdent(entity.Table))
	b.WriteString(" SET ")
	for i, ci := range setCols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(staging.QuoteIdent(cols[ci].Name))
		b.WriteString(" = ?")
	}
	b.WriteString(" WHERE ")
	for i, ci := range keyCols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(staging.QuoteIdent(cols[ci].Name))
		b.WriteString(" = ?")
	}

	order := append(append([]int{}, setCols...), keyCols...)
	return runPerItem(ctx, c, b.String(), items, func(elem reflect.Value, args []any) ([]any, error) {
		for _, ci := range order {
			v, err := cols[ci].Value(elem)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return args, nil
	})
}

// writeSetup resolves the entity metadata and execution options shared by
// the write paths.
func writeSetup[T any](ctx context.Context, opts []Option) (*typeinfo.Entity, []typeinfo.Column, context.Context, context.CancelFunc, error) {
	o := &execOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.kind == KindProcedure {
		return nil, nil, nil, nil, sqlerr.Argumentf("stored procedures are not supported by this database engine")
	}

	var zero T
	t := reflect.TypeOf(&zero).Elem()
	if t.Kind() != reflect.Struct {
		return nil, nil, nil, nil, sqlerr.Argumentf("need a struct type, got %s", t)
	}
	entity, err := typeinfo.ForType(t)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cols, err := typeinfo.ColumnsForType(t, o.enumMode)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	return entity, cols, ctx, cancel, nil
}

// runPerItem prepares sqlText once and runs it for every item, summing the
// affected row counts.
func runPerItem[T any](ctx context.Context, c Conn, sqlText string, items []T, bind func(elem reflect.Value, args []any) ([]any, error)) (int64, error) {
	if err := connDone(c); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	stmt, err := c.raw().PrepareContext(ctx, sqlText)
	if err != nil {
		return 0, wrapCancel(ctx, err)
	}
	defer stmt.Close()

	var total int64
	args := make([]any, 0, 16)
	for i := range items {
		args, err = bind(reflect.ValueOf(&items[i]).Elem(), args[:0])
		if err != nil {
			return total, fmt.Errorf("item %d: %s", i, err)
		}
		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return total, wrapCancel(ctx, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += affected
	}
	return total, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
