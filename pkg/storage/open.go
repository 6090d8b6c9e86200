package storage

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// sqliteParams are appended to SQLite file paths that carry no parameters.
// Transactions take the write lock at BEGIN and wait up to the busy timeout.
const sqliteParams = "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// Dialector selects the GORM driver for dsn. postgres:// and postgresql://
// URLs use PostgreSQL; anything else is a SQLite path.
func Dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteParams
	}
	return sqlite.Open(dsn)
}

// Open connects to dsn and configures the connection pool.
// An in-memory SQLite database is limited to a single connection, since
// every connection would otherwise see its own empty database.
func Open(dsn string, cfg *gorm.Config, opts ...PoolOption) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	db, err := gorm.Open(Dialector(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:" {
		opts = append(opts, MaxOpenConns(1), MaxIdleConns(1), ConnMaxLifetime(0), ConnMaxIdleTime(0))
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}
