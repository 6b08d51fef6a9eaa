// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/contract-monitor/internal/models"
)

// Storage is the persistence interface of the monitoring core.
// Lookups of a missing row return utils.ErrNotFound; inserts that hit a
// uniqueness constraint return utils.ErrAlreadyExists.
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Contract operations
	CreateContract(ctx context.Context, contract *models.MonitoredContract) error
	GetContract(ctx context.Context, id string) (*models.MonitoredContract, error)
	ListActiveContracts(ctx context.Context) ([]*models.MonitoredContract, error)
	UpdateLastChecked(ctx context.Context, contractID string, at time.Time) error
	SetContractActive(ctx context.Context, contractID string, active bool) error
	SetContractStatus(ctx context.Context, contractID string, status models.ContractStatus, reason string) error

	// Rule operations
	CreateRule(ctx context.Context, rule *models.MonitoringRule) error
	// GetRulesFor returns the active rules of a contract in creation order
	GetRulesFor(ctx context.Context, contractID string) ([]*models.MonitoringRule, error)
	RecordRuleDispatch(ctx context.Context, ruleID string, at time.Time) error

	// Alert operations
	AlertExists(ctx context.Context, ruleID, dedupKey string) (bool, error)
	CreateAlert(ctx context.Context, alert *models.ContractAlert) error
	GetAlerts(ctx context.Context, filter AlertFilter) ([]*models.ContractAlert, error)
	AcknowledgeAlert(ctx context.Context, alertID string) error
	MarkAlertDispatched(ctx context.Context, alertID string) error

	// Balance snapshots; GetLastBalanceSnapshot returns nil when none was recorded
	GetLastBalanceSnapshot(ctx context.Context, contractID string) (*models.BalanceSnapshot, error)
	SaveBalanceSnapshot(ctx context.Context, snapshot *models.BalanceSnapshot) error

	// Watcher cursor; ok is false when the contract was never processed
	GetLastProcessedBlock(ctx context.Context, contractID string) (block uint64, ok bool, err error)
	SetLastProcessedBlock(ctx context.Context, contractID string, block uint64) error

	// Dispatch bookkeeping
	SaveDispatchRecord(ctx context.Context, record *models.DispatchRecord) error
	HasDelivered(ctx context.Context, alertID string, channel models.Channel) (bool, error)

	// In-app notifications
	SaveInAppNotification(ctx context.Context, notification *models.InAppNotification) error
	GetInAppNotifications(ctx context.Context, userID string, limit int) ([]*models.InAppNotification, error)

	GetStorageStats(ctx context.Context) (*StorageStats, error)
}

// AlertFilter narrows GetAlerts; results are newest first
type AlertFilter struct {
	ContractID   string
	RuleID       string
	Acknowledged *bool
	Dispatched   *bool
	Limit        int
	Offset       int
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalContracts       int64 `json:"total_contracts"`
	ActiveContracts      int64 `json:"active_contracts"`
	TotalRules           int64 `json:"total_rules"`
	TotalAlerts          int64 `json:"total_alerts"`
	UndispatchedAlerts   int64 `json:"undispatched_alerts"`
	UnacknowledgedAlerts int64 `json:"unacknowledged_alerts"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}

// DefaultAlertLimit caps GetAlerts when no limit is given
const DefaultAlertLimit = 100
