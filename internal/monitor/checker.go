package monitor

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/connection"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/processor"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// DefaultCheckInterval is how often a contract's balance is checked when not configured
const DefaultCheckInterval = 60 * time.Second

// CheckerStore is the persistence a checker reads and writes balance history through
type CheckerStore interface {
	GetRulesFor(ctx context.Context, contractID string) ([]*models.MonitoringRule, error)
	UpdateLastChecked(ctx context.Context, contractID string, at time.Time) error
	GetLastBalanceSnapshot(ctx context.Context, contractID string) (*models.BalanceSnapshot, error)
	SaveBalanceSnapshot(ctx context.Context, snapshot *models.BalanceSnapshot) error
}

// CheckResult describes one checker tick
type CheckResult struct {
	CheckedAt time.Time
	Balance   *big.Int
	Previous  *big.Int
	Change    *rules.BalanceChange
	Alerts    int
}

// Checker compares a contract's balance with its last snapshot on a fixed interval
type Checker struct {
	contract   *models.MonitoredContract
	address    common.Address
	client     connection.ChainClient
	store      CheckerStore
	alerts     AlertSubmitter
	thresholds rules.Thresholds
	interval   time.Duration
	metrics    *metrics.PrometheusMetrics
	logger     *logrus.Entry
	now        func() time.Time
}

// NewChecker creates a checker; a non-positive interval uses DefaultCheckInterval
func NewChecker(
	contract *models.MonitoredContract,
	client connection.ChainClient,
	store CheckerStore,
	alerts AlertSubmitter,
	thresholds rules.Thresholds,
	interval time.Duration,
	metricsManager *metrics.Manager,
) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	c := &Checker{
		contract:   contract,
		address:    common.HexToAddress(contract.Address),
		client:     client,
		store:      store,
		alerts:     alerts,
		thresholds: thresholds,
		interval:   interval,
		logger: utils.ComponentLogger("checker").WithFields(logrus.Fields{
			"contract_id": contract.ID,
			"chain":       contract.Chain,
		}),
		now: time.Now,
	}
	if metricsManager != nil {
		c.metrics = metricsManager.GetPrometheusMetrics()
	}
	return c
}

// Run ticks until ctx is cancelled. A failed tick is logged and retried on the next one.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Warn("Balance check skipped")
			}
		}
	}
}

// Tick refreshes lastChecked, records the current balance and raises a balance alert
// on every active unusual_activity rule when the change is large enough.
func (c *Checker) Tick(ctx context.Context) (*CheckResult, error) {
	now := c.now().UTC()
	result := &CheckResult{CheckedAt: now}

	if err := c.store.UpdateLastChecked(ctx, c.contract.ID, now); err != nil {
		c.logger.WithError(err).Warn("Failed to update last checked time")
	}

	balance, err := c.client.GetBalance(ctx, c.address)
	if err != nil {
		c.record("unavailable")
		return result, err
	}
	result.Balance = balance

	snapshot, err := c.store.GetLastBalanceSnapshot(ctx, c.contract.ID)
	if err != nil {
		c.record("error")
		return result, utils.WrapError(utils.ErrCodePersistence, "Failed to load balance snapshot", err)
	}

	saveErr := c.store.SaveBalanceSnapshot(ctx, &models.BalanceSnapshot{
		ContractID: c.contract.ID,
		Balance:    balance.String(),
		ObservedAt: now,
	})
	if saveErr != nil {
		c.logger.WithError(saveErr).Error("Failed to save balance snapshot")
	}

	if snapshot == nil {
		c.record("baseline")
		return result, wrapSnapshotError(saveErr)
	}

	previous, ok := new(big.Int).SetString(snapshot.Balance, 10)
	if !ok {
		c.record("error")
		return result, utils.NewAppError(utils.ErrCodePersistence, "Stored balance is not an integer", snapshot.Balance)
	}
	result.Previous = previous

	ruleSet, err := c.store.GetRulesFor(ctx, c.contract.ID)
	if err != nil {
		c.record("error")
		return result, utils.WrapError(utils.ErrCodePersistence, "Failed to load rules", err)
	}

	outcome := "clear"
	for _, rule := range ruleSet {
		if rule.RuleType != models.RuleUnusualActivity {
			continue
		}
		logger := c.logger.WithField("rule_id", rule.ID)

		change, err := rules.EvaluateBalanceChange(previous, balance, rule, c.thresholds)
		if err != nil {
			logger.WithError(err).Warn("Balance rule evaluation failed")
			continue
		}
		result.Change = change
		if !change.Triggered {
			continue
		}
		outcome = "fired"

		candidate := rules.BalanceCandidate(c.contract, rule, change, now, c.interval)
		submitted, err := c.alerts.Submit(ctx, candidate, c.contract, rule)
		if err != nil {
			logger.WithError(err).Error("Balance alert could not be stored")
			continue
		}
		if submitted.Outcome == processor.OutcomeCreated {
			result.Alerts++
		}
	}

	c.record(outcome)
	return result, wrapSnapshotError(saveErr)
}

func wrapSnapshotError(err error) error {
	if err == nil {
		return nil
	}
	return utils.WrapError(utils.ErrCodePersistence, "Failed to save balance snapshot", err)
}

func (c *Checker) record(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordBalanceCheck(c.contract.Chain, outcome)
	}
}
