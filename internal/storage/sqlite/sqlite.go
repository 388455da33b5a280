// Package sqlite opens file-backed sources with the modernc.org/sqlite
// driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duskpine/vombat/internal/storage/sqldb"
)

// Open opens a sqlite source. WAL journaling and a busy timeout keep the
// single-writer model usable under concurrent readers; the pool is capped at
// one connection because WAL serializes writers anyway.
func Open(name, path string, readonly bool, timeout time.Duration) (*sqldb.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite source %q: path required", name)
	}
	busyMillis := int64(10_000)
	if timeout > 0 {
		busyMillis = timeout.Milliseconds()
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(0)", path, busyMillis)
	if readonly {
		dsn += "&mode=ro"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return sqldb.New(db, name, readonly, sqldb.DialectSQLite), nil
}
