package storage

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

// MySQLDialect serves MySQL and MariaDB through go-sql-driver
var MySQLDialect = &Dialect{
	Name:       "mysql",
	DriverName: "mysql",
	IsUniqueViolation: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
	},
	upsertClause: onDuplicateKeyClause,
}

// NewMySQLStorage creates a MySQL store
func NewMySQLStorage(config *StorageConfig) *SQLStorage {
	s := NewSQLStorage(MySQLDialect, config)
	s.prepare = prepareMySQL
	return s
}

// prepareMySQL validates the DSN; times are stored as integers so parseTime is not needed
func prepareMySQL(config *StorageConfig) (string, int, error) {
	cfg, err := mysql.ParseDSN(config.ConnectionString)
	if err != nil {
		return "", 0, err
	}
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}
	return cfg.FormatDSN(), config.MaxConnections, nil
}
