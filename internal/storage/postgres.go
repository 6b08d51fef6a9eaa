package storage

import (
	"errors"

	"github.com/lib/pq"
)

// PostgresDialect serves PostgreSQL through lib/pq
var PostgresDialect = &Dialect{
	Name:                 "postgres",
	DriverName:           "postgres",
	NumberedPlaceholders: true,
	IsUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
	upsertClause: onConflictClause,
}

// NewPostgreSQLStorage creates a PostgreSQL store
func NewPostgreSQLStorage(config *StorageConfig) *SQLStorage {
	return NewSQLStorage(PostgresDialect, config)
}
