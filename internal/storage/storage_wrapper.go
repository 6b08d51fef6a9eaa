package storage

import (
	"context"
	"errors"
	"time"

	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// StorageWithMetrics wraps a storage implementation with metrics on the hot paths
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) observe(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, utils.ErrAlreadyExists):
		status = "conflict"
	default:
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// GetRulesFor loads rules and records metrics
func (s *StorageWithMetrics) GetRulesFor(ctx context.Context, contractID string) ([]*models.MonitoringRule, error) {
	start := time.Now()
	rules, err := s.Storage.GetRulesFor(ctx, contractID)
	s.observe("select", "rules", start, err)
	return rules, err
}

// AlertExists checks for an alert and records metrics
func (s *StorageWithMetrics) AlertExists(ctx context.Context, ruleID, dedupKey string) (bool, error) {
	start := time.Now()
	exists, err := s.Storage.AlertExists(ctx, ruleID, dedupKey)
	s.observe("exists", "alerts", start, err)
	return exists, err
}

// CreateAlert saves an alert and records metrics
func (s *StorageWithMetrics) CreateAlert(ctx context.Context, alert *models.ContractAlert) error {
	start := time.Now()
	err := s.Storage.CreateAlert(ctx, alert)
	s.observe("insert", "alerts", start, err)
	return err
}

// SaveBalanceSnapshot saves a snapshot and records metrics
func (s *StorageWithMetrics) SaveBalanceSnapshot(ctx context.Context, snapshot *models.BalanceSnapshot) error {
	start := time.Now()
	err := s.Storage.SaveBalanceSnapshot(ctx, snapshot)
	s.observe("insert", "balance_snapshots", start, err)
	return err
}

// SetLastProcessedBlock saves the cursor and records metrics
func (s *StorageWithMetrics) SetLastProcessedBlock(ctx context.Context, contractID string, block uint64) error {
	start := time.Now()
	err := s.Storage.SetLastProcessedBlock(ctx, contractID, block)
	s.observe("upsert", "contract_cursors", start, err)
	return err
}

// SaveDispatchRecord saves a dispatch record and records metrics
func (s *StorageWithMetrics) SaveDispatchRecord(ctx context.Context, record *models.DispatchRecord) error {
	start := time.Now()
	err := s.Storage.SaveDispatchRecord(ctx, record)
	s.observe("insert", "alert_dispatches", start, err)
	return err
}
