// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/canonical/sqlstage/internal/expr"
	"github.com/canonical/sqlstage/internal/staging"
)

// Named pairs a value with an explicit name, overriding the inferred one.
// It can wrap a parameter value or a staged sequence.
//
// Example:
//
//	n, err := sqlstage.Get[int](db, stmt, sqlstage.Named{"MinAge", 18})
type Named = expr.Named

var ErrNoRows = sql.ErrNoRows
var ErrTXDone = sql.ErrTxDone

// Statement is a parsed statement template ready to be run on a database.
// A Statement is immutable and safe for concurrent use.
type Statement struct {
	// template is the original template text.
	template string
	// parsed is the parsed form of the template. Argument values are bound
	// to it on every execution.
	parsed *expr.ParsedExpr
}

// Template returns the original template text.
func (s *Statement) Template() string {
	return s.template
}

// Prepare parses the statement template and returns a [Statement]. The
// template may reference argument values with $Type.member and $? holes and
// staged sequences with #Type and #? holes. Parse results are cached, so
// preparing the same template repeatedly is cheap.
func Prepare(template string) (*Statement, error) {
	if s, ok := parseCache.Get(template); ok {
		return s, nil
	}
	parsed, err := expr.NewParser().Parse(template)
	if err != nil {
		return nil, err
	}
	s := &Statement{template: template, parsed: parsed}
	parseCache.Add(template, s)
	return s, nil
}

// MustPrepare is the same as [Prepare] except that it panics on error.
func MustPrepare(template string) *Statement {
	s, err := Prepare(template)
	if err != nil {
		panic(err)
	}
	return s
}

// Conn is a handle statements can run on, either a [DB] or a [TX].
type Conn interface {
	// raw returns the underlying database/sql handle.
	raw() staging.Queryer
	// database returns the owning DB.
	database() *DB
	// prepared returns a prepared form of sqlText if one is available
	// cheaply, or nil to run the text directly.
	prepared(ctx context.Context, sqlText string) (*sql.Stmt, error)
}

// DB is a database handle. It wraps a [sql.DB] with a prepared statement
// cache and is safe for concurrent use.
type DB struct {
	sqldb *sql.DB
	stmts *stmtCache

	// collation caches the database's default collation name, resolved on
	// first use.
	collationMu       sync.Mutex
	collation         string
	collationResolved bool
}

// NewDB creates a new [DB] from a [sql.DB].
func NewDB(sqldb *sql.DB) *DB {
	if sqldb == nil {
		return nil
	}
	return &DB{sqldb: sqldb, stmts: newStmtCache()}
}

// PlainDB returns the underlying database object.
func (db *DB) PlainDB() *sql.DB {
	return db.sqldb
}

// Close closes the cached prepared statements and the underlying database.
func (db *DB) Close() error {
	db.stmts.purge()
	return db.sqldb.Close()
}

func (db *DB) raw() staging.Queryer {
	return db.sqldb
}

func (db *DB) database() *DB {
	return db
}

func (db *DB) prepared(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	return db.stmts.prepare(ctx, db.sqldb, sqlText)
}

// defaultCollation resolves the database's default collation, used for the
// text columns of staged tables. The probe runs on q rather than the pool
// because a transaction may be holding the pool's only connection. The value
// is cached for the DB's lifetime once a probe succeeds.
func (db *DB) defaultCollation(ctx context.Context, q staging.Queryer) (string, error) {
	db.collationMu.Lock()
	defer db.collationMu.Unlock()
	if db.collationResolved {
		return db.collation, nil
	}
	collation, err := staging.DefaultCollation(ctx, q)
	if err != nil {
		return "", err
	}
	db.collation = collation
	db.collationResolved = true
	return collation, nil
}

// Begin starts a transaction. A transaction must be ended with a [TX.Commit]
// or [TX.Rollback].
func (db *DB) Begin(ctx context.Context, opts *TXOptions) (*TX, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sqltx, err := db.sqldb.BeginTx(ctx, opts.plainTXOptions())
	if err != nil {
		return nil, err
	}
	return &TX{sqltx: sqltx, db: db}, nil
}

// TX represents a transaction on the database.
type TX struct {
	sqltx *sql.Tx
	db    *DB
	done  int32
}

func (tx *TX) isDone() bool {
	return atomic.LoadInt32(&tx.done) == 1
}

func (tx *TX) setDone() error {
	if !atomic.CompareAndSwapInt32(&tx.done, 0, 1) {
		return ErrTXDone
	}
	return nil
}

// Commit commits the transaction.
func (tx *TX) Commit() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Commit()
	}
	return err
}

// Rollback aborts the transaction.
func (tx *TX) Rollback() error {
	err := tx.setDone()
	if err == nil {
		err = tx.sqltx.Rollback()
	}
	return err
}

// PlainTX returns the underlying transaction object.
func (tx *TX) PlainTX() *sql.Tx {
	return tx.sqltx
}

func (tx *TX) raw() staging.Queryer {
	return tx.sqltx
}

func (tx *TX) database() *DB {
	return tx.db
}

func (tx *TX) prepared(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	// Only statements the DB already prepared are worth registering on the
	// transaction. sqltx.Stmt does not re-prepare on the driver, and
	// database/sql closes the transaction statement on commit or rollback.
	if sqlstmt, ok := tx.db.stmts.lookup(sqlText); ok {
		return tx.sqltx.Stmt(sqlstmt), nil
	}
	return nil, nil
}

// TXOptions holds the transaction options to be used in [DB.Begin].
type TXOptions struct {
	// Isolation is the transaction isolation level.
	// If zero, the driver or database's default level is used.
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func (txopts *TXOptions) plainTXOptions() *sql.TxOptions {
	if txopts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: txopts.Isolation, ReadOnly: txopts.ReadOnly}
}
