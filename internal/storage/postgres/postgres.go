// Package postgres opens sources backed by PostgreSQL through the pgx
// stdlib driver.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duskpine/vombat/internal/storage/sqldb"
)

// Open opens a postgres source with a bounded connection pool.
func Open(name, dsn string, readonly bool, poolSize int, timeout time.Duration) (*sqldb.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres source %q: dsn required", name)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres %q: %w", name, err)
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	if timeout > 0 {
		db.SetConnMaxIdleTime(timeout)
	}

	return sqldb.New(db, name, readonly, sqldb.DialectPostgres), nil
}
