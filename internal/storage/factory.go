// File: internal/storage/factory.go
package storage

import (
	"strings"

	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

var supportedTypes = []string{"sqlite", "postgres", "postgresql", "mysql"}

// NewStorage creates a storage instance based on configuration, instrumented when metricsManager is set
func NewStorage(cfg *config.StorageConfig, metricsManager *metrics.Manager) (Storage, error) {
	if err := ValidateStorageConfig(cfg); err != nil {
		return nil, err
	}

	storageConfig := &StorageConfig{
		Type:             cfg.Type,
		ConnectionString: cfg.ConnectionString,
		MaxConnections:   cfg.MaxConnections,
		MaxIdleTime:      cfg.MaxIdleTime,
	}

	var store Storage
	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		store = NewSQLiteStorage(storageConfig)
	case "postgres", "postgresql":
		store = NewPostgreSQLStorage(storageConfig)
	case "mysql":
		store = NewMySQLStorage(storageConfig)
	}

	if metricsManager != nil {
		store = NewStorageWithMetrics(store, metricsManager)
	}
	return store, nil
}

// ValidateStorageConfig validates storage configuration
func ValidateStorageConfig(cfg *config.StorageConfig) error {
	if cfg == nil || cfg.Type == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage type is required", "")
	}

	if cfg.ConnectionString == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage connection string is required", "")
	}

	if cfg.MaxConnections < 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Max connections must not be negative", "")
	}

	for _, t := range supportedTypes {
		if strings.ToLower(cfg.Type) == t {
			return nil
		}
	}
	return utils.NewAppError(utils.ErrCodeConfiguration,
		"Unsupported storage type",
		"Supported types: "+strings.Join(supportedTypes, ", "))
}

// GetDefaultStorageConfig returns default storage configuration
func GetDefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Type:             "sqlite",
		ConnectionString: "./data/monitor.db",
		MaxConnections:   1,
	}
}
