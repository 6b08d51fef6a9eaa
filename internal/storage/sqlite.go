// File: internal/storage/sqlite.go
package storage

import (
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDialect is the embedded default backend
var SQLiteDialect = &Dialect{
	Name:       "sqlite",
	DriverName: "sqlite",
	IsUniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
	upsertClause: onConflictClause,
}

// NewSQLiteStorage creates a SQLite store; the database file's directory is created on Connect
func NewSQLiteStorage(config *StorageConfig) *SQLStorage {
	s := NewSQLStorage(SQLiteDialect, config)
	s.prepare = prepareSQLite
	return s
}

// prepareSQLite makes sure the directory exists and applies pragmas to every pooled connection
func prepareSQLite(config *StorageConfig) (string, int, error) {
	path := config.ConnectionString
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "file:")

	dir := filepath.Dir(path)
	if dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", 0, err
		}
	}

	dsn := config.ConnectionString
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	// one writer at a time; callers never hold a result set while issuing another query
	return dsn, 1, nil
}
