// File: internal/processor/processor.go
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/notification"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// AlertStore is the persistence the pipeline writes through
type AlertStore interface {
	AlertExists(ctx context.Context, ruleID, dedupKey string) (bool, error)
	CreateAlert(ctx context.Context, alert *models.ContractAlert) error
}

// Notifier hands a persisted alert to the notification channels
type Notifier interface {
	Dispatch(ctx context.Context, alert *models.ContractAlert, contract *models.MonitoredContract, rule *models.MonitoringRule) (*notification.DispatchResult, error)
}

// Outcome is what happened to one candidate
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// SubmitResult describes one submitted candidate
type SubmitResult struct {
	Outcome  Outcome
	Alert    *models.ContractAlert
	Dispatch *notification.DispatchResult
}

// PipelineStats provides alert pipeline statistics
type PipelineStats struct {
	StartTime        time.Time  `json:"start_time"`
	AlertsCreated    uint64     `json:"alerts_created"`
	Duplicates       uint64     `json:"duplicates"`
	PersistFailures  uint64     `json:"persist_failures"`
	DispatchFailures uint64     `json:"dispatch_failures"`
	LastError        *string    `json:"last_error,omitempty"`
	LastErrorTime    *time.Time `json:"last_error_time,omitempty"`
}

// Pipeline deduplicates candidates, persists them and forwards them to the notifier.
// At most one alert exists per (rule, dedup key): a memo and an existence query
// short-circuit known duplicates and the storage unique index settles races.
type Pipeline struct {
	store    AlertStore
	notifier Notifier
	sink     ErrorSink
	memo     *cache.Cache
	attempts int
	delay    time.Duration
	metrics  *metrics.PrometheusMetrics
	logger   *logrus.Entry

	mu    sync.Mutex
	stats PipelineStats
}

// NewPipeline creates an alert pipeline. notifier may be nil, in which case alerts are only persisted.
func NewPipeline(store AlertStore, notifier Notifier, sink ErrorSink, cfg config.AlertsConfig, metricsManager *metrics.Manager) *Pipeline {
	if sink == nil {
		sink = NewLogSink()
	}
	attempts := cfg.PersistRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	ttl := cfg.DedupCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	p := &Pipeline{
		store:    store,
		notifier: notifier,
		sink:     sink,
		memo:     cache.New(ttl, 2*ttl),
		attempts: attempts,
		delay:    cfg.PersistRetryDelay,
		logger:   utils.ComponentLogger("alert_pipeline"),
		stats:    PipelineStats{StartTime: time.Now()},
	}
	if metricsManager != nil {
		p.metrics = metricsManager.GetPrometheusMetrics()
	}
	return p
}

// Submit runs one candidate through dedup, persistence and dispatch. The returned error
// is set only when the alert could not be persisted; dispatch problems are logged.
func (p *Pipeline) Submit(ctx context.Context, candidate *rules.Candidate, contract *models.MonitoredContract, rule *models.MonitoringRule) (*SubmitResult, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"contract_id": candidate.ContractID,
		"rule_id":     candidate.RuleID,
		"dedup_key":   candidate.DedupKey,
	})
	if candidate.TxHash != "" {
		logger = logger.WithField("tx_hash", candidate.TxHash)
	}

	memoKey := candidate.RuleID + "|" + candidate.DedupKey
	if _, found := p.memo.Get(memoKey); found {
		p.duplicate("memo")
		return &SubmitResult{Outcome: OutcomeDuplicate}, nil
	}

	exists, err := p.store.AlertExists(ctx, candidate.RuleID, candidate.DedupKey)
	if err != nil {
		// the unique index still rejects a duplicate insert
		logger.WithError(err).Warn("Alert existence check failed")
	} else if exists {
		p.memo.SetDefault(memoKey, struct{}{})
		p.duplicate("store")
		return &SubmitResult{Outcome: OutcomeDuplicate}, nil
	}

	alert := NewAlert(candidate)
	logger = logger.WithField("alert_id", alert.ID)

	if err := p.persist(ctx, alert, logger); err != nil {
		if errors.Is(err, utils.ErrAlreadyExists) {
			p.memo.SetDefault(memoKey, struct{}{})
			p.duplicate("constraint")
			return &SubmitResult{Outcome: OutcomeDuplicate}, nil
		}

		p.recordError(err, func(s *PipelineStats) { s.PersistFailures++ })
		if p.metrics != nil {
			p.metrics.RecordAlertPersistFailure()
		}
		p.sink.Report(ctx, alert, err)
		return &SubmitResult{Outcome: OutcomeFailed, Alert: alert},
			utils.WrapError(utils.ErrCodePersistence, fmt.Sprintf("Failed to persist alert for rule %s", alert.RuleID), err)
	}

	p.memo.SetDefault(memoKey, struct{}{})
	p.mu.Lock()
	p.stats.AlertsCreated++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordAlertCreated(string(alert.AlertType), string(alert.Severity))
	}
	logger.WithFields(logrus.Fields{
		"alert_type": alert.AlertType,
		"severity":   alert.Severity,
	}).Info("Alert created")

	result := &SubmitResult{Outcome: OutcomeCreated, Alert: alert}
	if p.notifier == nil || rule == nil || contract == nil {
		return result, nil
	}

	dispatch, err := p.notifier.Dispatch(ctx, alert, contract, rule)
	result.Dispatch = dispatch
	if err != nil {
		p.recordError(err, func(s *PipelineStats) { s.DispatchFailures++ })
		logger.WithError(err).Error("Alert dispatch bookkeeping failed")
	}
	return result, nil
}

// persist writes the alert, retrying transient failures with exponential backoff
func (p *Pipeline) persist(ctx context.Context, alert *models.ContractAlert, logger *logrus.Entry) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := p.store.CreateAlert(ctx, alert)
		if err == nil {
			return nil
		}
		if errors.Is(err, utils.ErrAlreadyExists) || errors.Is(err, utils.ErrValidation) {
			return backoff.Permanent(err)
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Alert write failed")
		return err
	}

	b := backoff.NewExponentialBackOff()
	if p.delay > 0 {
		b.InitialInterval = p.delay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts-1)), ctx))
}

func (p *Pipeline) duplicate(source string) {
	p.mu.Lock()
	p.stats.Duplicates++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordAlertDuplicate(source)
	}
}

func (p *Pipeline) recordError(err error, update func(*PipelineStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	update(&p.stats)
	msg := err.Error()
	now := time.Now()
	p.stats.LastError = &msg
	p.stats.LastErrorTime = &now
}

// GetStats returns a snapshot of the pipeline counters
func (p *Pipeline) GetStats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// NewAlert materialises a candidate into an alert with a fresh ID
func NewAlert(c *rules.Candidate) *models.ContractAlert {
	timestamp := c.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	metadata := make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	return &models.ContractAlert{
		ID:          utils.GenerateID(),
		ContractID:  c.ContractID,
		RuleID:      c.RuleID,
		AlertType:   c.AlertType,
		Severity:    c.Severity,
		Title:       c.Title,
		Description: c.Description,
		TxHash:      c.TxHash,
		BlockNumber: c.BlockNumber,
		DedupKey:    c.DedupKey,
		Timestamp:   timestamp.UTC(),
		Metadata:    metadata,
	}
}
