// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/canonical/sqlstage/internal/sqlerr"
	"github.com/canonical/sqlstage/internal/staging"
)

// command is one executable assembly of a statement: the final SQL text, the
// bound parameters, and the staged temporary tables. A command is run once
// and must be disposed afterwards to drop its tables.
type command struct {
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	sql    string
	params []any
	// runq is the handle the command runs on. When temporary tables are
	// staged on a DB this is a single pinned connection, temp tables are
	// only visible on the connection that created them.
	runq staging.Queryer
	// release returns the pinned connection to the pool, nil otherwise.
	release func() error
	// cacheable is false when the SQL text embeds unique staged table
	// names and would only pollute the prepared statement cache.
	cacheable bool
	drops     []*staging.Dropper
	disposed  int32
}

// assemble binds the statement to its arguments, stages the temporary tables
// in placeholder order and finalizes the SQL text. On error nothing is left
// behind to dispose.
func assemble(ctx context.Context, c Conn, s *Statement, args []any) (cmd *command, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot assemble command: %s", err)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}

	opts, vals, err := extractOptions(args)
	if err != nil {
		return nil, err
	}
	var cancel context.CancelFunc
	if opts.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
	}
	var release func() error
	fail := func(err error) (*command, error) {
		if release != nil {
			release()
		}
		if cancel != nil {
			cancel()
		}
		return nil, err
	}

	compiled, err := s.parsed.BindArgs(vals, opts.enumMode)
	if err != nil {
		return fail(err)
	}

	runq := c.raw()
	var drops []*staging.Dropper
	var names []string
	if compiled.HasTables() {
		collation, err := c.database().defaultCollation(ctx, runq)
		if err != nil {
			return fail(wrapCancel(ctx, err))
		}
		// Temporary tables are only visible on the connection that created
		// them. A transaction is already pinned to one connection; a DB
		// execution must pin one for the command's lifetime.
		if db, ok := c.(*DB); ok {
			sqlconn, err := db.sqldb.Conn(ctx)
			if err != nil {
				return fail(wrapCancel(ctx, err))
			}
			runq = sqlconn
			release = sqlconn.Close
		}
		for _, spec := range compiled.Tables() {
			name := staging.UniqueName(spec.Base)
			if err := staging.Create(ctx, runq, name, spec.Seq, opts.enumMode, collation); err != nil {
				dropAll(context.WithoutCancel(ctx), drops)
				return fail(wrapCancel(ctx, err))
			}
			drops = append(drops, staging.NewDropper(runq, name))
			names = append(names, staging.QuoteIdent(name))
		}
	}

	sqlText, err := compiled.SQL(names)
	if err != nil {
		dropAll(context.WithoutCancel(ctx), drops)
		return fail(err)
	}

	return &command{
		conn:      c,
		ctx:       ctx,
		cancel:    cancel,
		sql:       sqlText,
		params:    compiled.Params(),
		runq:      runq,
		release:   release,
		cacheable: !compiled.HasTables(),
		drops:     drops,
	}, nil
}

// exec runs the command and returns the driver result.
func (cmd *command) exec() (sql.Result, error) {
	sqlstmt, err := cmd.stmt()
	if err != nil {
		return nil, wrapCancel(cmd.ctx, err)
	}
	var result sql.Result
	if sqlstmt != nil {
		result, err = sqlstmt.ExecContext(cmd.ctx, cmd.params...)
	} else {
		result, err = cmd.runq.ExecContext(cmd.ctx, cmd.sql, cmd.params...)
	}
	return result, wrapCancel(cmd.ctx, err)
}

// query runs the command and returns the raw row set.
func (cmd *command) query() (*sql.Rows, error) {
	sqlstmt, err := cmd.stmt()
	if err != nil {
		return nil, wrapCancel(cmd.ctx, err)
	}
	var rows *sql.Rows
	if sqlstmt != nil {
		rows, err = sqlstmt.QueryContext(cmd.ctx, cmd.params...)
	} else {
		rows, err = cmd.runq.QueryContext(cmd.ctx, cmd.sql, cmd.params...)
	}
	return rows, wrapCancel(cmd.ctx, err)
}

func (cmd *command) stmt() (*sql.Stmt, error) {
	if !cmd.cacheable {
		return nil, nil
	}
	return cmd.conn.prepared(cmd.ctx, cmd.sql)
}

// dispose drops the staged tables in reverse staging order. It is safe to
// call more than once, only the first call does the work. The drops run even
// when the command's context is cancelled or timed out.
func (cmd *command) dispose() error {
	if !atomic.CompareAndSwapInt32(&cmd.disposed, 0, 1) {
		return nil
	}
	err := dropAll(context.WithoutCancel(cmd.ctx), cmd.drops)
	if cmd.release != nil {
		if rerr := cmd.release(); err == nil {
			err = rerr
		}
	}
	if cmd.cancel != nil {
		cmd.cancel()
	}
	return err
}

func dropAll(ctx context.Context, drops []*staging.Dropper) error {
	var errs []error
	for i := len(drops) - 1; i >= 0; i-- {
		if err := drops[i].Drop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wrapCancel converts an error caused by context cancellation or timeout
// into a [CancellationError].
func wrapCancel(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// The driver reports the plain context error; the context cause
		// carries the caller's reason when one was set through
		// context.WithCancelCause.
		if cause := context.Cause(ctx); !errors.Is(err, cause) {
			err = errors.Join(cause, err)
		}
		return &sqlerr.CancellationError{Cause: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &sqlerr.CancellationError{Cause: err}
	}
	return err
}
