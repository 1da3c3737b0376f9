// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlstage

import (
	"context"
	"database/sql"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const parseCacheSize = 512
const stmtCacheSize = 256

// parseCache caches parsed templates across the process. Templates are
// usually package level constants, so the practical key space is small.
var parseCache = func() *lru.Cache[string, *Statement] {
	c, err := lru.New[string, *Statement](parseCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}()

// stmtCache caches driver prepared statements per DB, keyed by the final SQL
// text. Statements that stage temporary tables get a unique table name on
// every run and therefore never hit the cache.
//
// Eviction closes the statement. The mutex serialises prepare races so a
// statement is never prepared twice on the driver for the same text.
type stmtCache struct {
	mutex sync.Mutex
	cache *lru.Cache[string, *sql.Stmt]
}

func newStmtCache() *stmtCache {
	cache, err := lru.NewWithEvict[string, *sql.Stmt](stmtCacheSize, func(_ string, s *sql.Stmt) {
		s.Close()
	})
	if err != nil {
		panic(err)
	}
	return &stmtCache{cache: cache}
}

func (sc *stmtCache) lookup(sqlText string) (*sql.Stmt, bool) {
	return sc.cache.Get(sqlText)
}

func (sc *stmtCache) prepare(ctx context.Context, sqldb *sql.DB, sqlText string) (*sql.Stmt, error) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if sqlstmt, ok := sc.cache.Get(sqlText); ok {
		return sqlstmt, nil
	}
	sqlstmt, err := sqldb.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	sc.cache.Add(sqlText, sqlstmt)
	return sqlstmt, nil
}

func (sc *stmtCache) purge() {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	sc.cache.Purge()
}
