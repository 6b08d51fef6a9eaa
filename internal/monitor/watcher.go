// File: internal/monitor/watcher.go
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/connection"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/processor"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// minActivityRetention bounds how long transaction times are kept for unusual_activity rules
const minActivityRetention = time.Hour

// WatcherState is the lifecycle state of a watcher
type WatcherState string

const (
	WatcherStopped  WatcherState = "stopped"
	WatcherStarting WatcherState = "starting"
	WatcherRunning  WatcherState = "running"
	WatcherStopping WatcherState = "stopping"
	WatcherError    WatcherState = "error"
)

// WatcherStore is the persistence a watcher reads rules from and keeps its cursor in
type WatcherStore interface {
	GetRulesFor(ctx context.Context, contractID string) ([]*models.MonitoringRule, error)
	GetLastProcessedBlock(ctx context.Context, contractID string) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, contractID string, block uint64) error
}

// AlertSubmitter accepts candidate alerts
type AlertSubmitter interface {
	Submit(ctx context.Context, candidate *rules.Candidate, contract *models.MonitoredContract, rule *models.MonitoringRule) (*processor.SubmitResult, error)
}

// BlockResult contains the result of processing a single block for one contract
type BlockResult struct {
	BlockNumber    uint64        `json:"block_number"`
	BlockHash      string        `json:"block_hash"`
	Timestamp      time.Time     `json:"timestamp"`
	TxMatched      int           `json:"tx_matched"`
	Candidates     int           `json:"candidates"`
	AlertsCreated  int           `json:"alerts_created"`
	Duplicates     int           `json:"duplicates"`
	RuleErrors     int           `json:"rule_errors"`
	ReceiptErrors  int           `json:"receipt_errors"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Watcher follows the chain head for one contract and runs its rules over every matching transaction.
// Blocks are processed in increasing order; a block is never interrupted once started.
type Watcher struct {
	contract *models.MonitoredContract
	address  common.Address
	client   connection.ChainClient
	store    WatcherStore
	engine   *rules.Engine
	alerts   AlertSubmitter
	activity *ActivityTracker
	decoder  *LogDecoder
	config   config.MonitorConfig
	metrics  *metrics.PrometheusMetrics
	logger   *logrus.Entry

	// OnStateChange is called on every state transition
	OnStateChange func(state WatcherState, err error)

	mu        sync.Mutex
	state     WatcherState
	lastErr   error
	cursor    uint64
	hasCursor bool
}

// NewWatcher creates a watcher. A malformed contract ABI only disables argument decoding.
func NewWatcher(
	contract *models.MonitoredContract,
	client connection.ChainClient,
	store WatcherStore,
	engine *rules.Engine,
	alerts AlertSubmitter,
	cfg config.MonitorConfig,
	metricsManager *metrics.Manager,
) *Watcher {
	w := &Watcher{
		contract: contract,
		address:  common.HexToAddress(contract.Address),
		client:   client,
		store:    store,
		engine:   engine,
		alerts:   alerts,
		activity: NewActivityTracker(),
		config:   cfg,
		logger: utils.ComponentLogger("watcher").WithFields(logrus.Fields{
			"contract_id": contract.ID,
			"chain":       contract.Chain,
		}),
		state: WatcherStopped,
	}
	if metricsManager != nil {
		w.metrics = metricsManager.GetPrometheusMetrics()
	}

	decoder, err := NewLogDecoder(contract.ABI)
	if err != nil {
		w.logger.WithError(err).Warn("Contract ABI unusable, event arguments will not be decoded")
	}
	w.decoder = decoder
	return w
}

// State returns the current state and the error that caused the last Error state
func (w *Watcher) State() (WatcherState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.lastErr
}

// Cursor returns the last processed block
func (w *Watcher) Cursor() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor, w.hasCursor
}

func (w *Watcher) setState(state WatcherState, err error) {
	w.mu.Lock()
	w.state = state
	if state == WatcherError {
		w.lastErr = err
	}
	hook := w.OnStateChange
	w.mu.Unlock()

	if hook != nil {
		hook(state, err)
	}
}

// Run follows the head until ctx is cancelled (returning nil) or the chain becomes
// unusable (returning the error, with the watcher in Error state).
func (w *Watcher) Run(ctx context.Context) error {
	w.setState(WatcherStarting, nil)

	sub, err := w.client.SubscribeBlocks(ctx)
	if err != nil {
		if ctx.Err() != nil {
			w.setState(WatcherStopped, nil)
			return nil
		}
		err = utils.WrapError(utils.ErrCodeChainUnavailable, "Failed to subscribe to blocks", err)
		w.setState(WatcherError, err)
		return err
	}
	defer sub.Unsubscribe()

	w.setState(WatcherRunning, nil)
	w.logger.Info("Watcher started")

	maxFailures := w.config.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	failures := 0

	for {
		select {
		case <-ctx.Done():
			w.setState(WatcherStopping, nil)
			w.logger.Info("Watcher stopped")
			w.setState(WatcherStopped, nil)
			return nil

		case err := <-sub.Err():
			err = utils.WrapError(utils.ErrCodeChainUnavailable, "Block subscription failed", err)
			w.setState(WatcherError, err)
			return err

		case head := <-sub.Heads():
			err := w.CatchUp(ctx, head)
			if err == nil || ctx.Err() != nil {
				failures = 0
				continue
			}

			failures++
			w.logger.WithFields(logrus.Fields{
				"head":     head,
				"failures": failures,
				"error":    err,
			}).Warn("Block cycle skipped")

			if failures >= maxFailures {
				err = utils.WrapError(utils.ErrCodeChainUnavailable, "Too many consecutive block failures", err)
				w.setState(WatcherError, err)
				return err
			}
		}
	}
}

// CatchUp processes every confirmed block after the cursor up to head. It stops at the
// first failing block, leaving the cursor before it so the block is retried.
func (w *Watcher) CatchUp(ctx context.Context, head uint64) error {
	if head < w.config.ConfirmationBlocks {
		return nil
	}
	target := head - w.config.ConfirmationBlocks

	cursor, err := w.resolveCursor(ctx, target)
	if err != nil {
		return err
	}

	for n := cursor + 1; n <= target; n++ {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.processBlockDetached(ctx, n); err != nil {
			return err
		}
		w.advance(ctx, n)
	}
	return nil
}

// resolveCursor loads the persisted cursor on first use. A cursor further behind than
// MaxCatchUpBlocks is abandoned and processing resumes at target.
func (w *Watcher) resolveCursor(ctx context.Context, target uint64) (uint64, error) {
	w.mu.Lock()
	if w.hasCursor {
		cursor := w.cursor
		w.mu.Unlock()
		return cursor, nil
	}
	w.mu.Unlock()

	stored, ok, err := w.store.GetLastProcessedBlock(ctx, w.contract.ID)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodePersistence, "Failed to load watcher cursor", err)
	}

	var cursor uint64
	switch {
	case ok && stored >= target:
		cursor = stored
	case ok && target-stored <= w.config.MaxCatchUpBlocks:
		cursor = stored
	default:
		if ok {
			w.logger.WithFields(logrus.Fields{
				"stored": stored,
				"target": target,
			}).Warn("Cursor too far behind, resuming at head")
		}
		if target > 0 {
			cursor = target - 1
		}
	}

	w.mu.Lock()
	w.cursor = cursor
	w.hasCursor = true
	w.mu.Unlock()
	return cursor, nil
}

func (w *Watcher) advance(ctx context.Context, block uint64) {
	w.mu.Lock()
	w.cursor = block
	w.mu.Unlock()

	if err := w.store.SetLastProcessedBlock(context.WithoutCancel(ctx), w.contract.ID, block); err != nil {
		w.logger.WithError(err).WithField("block", block).Warn("Failed to persist watcher cursor")
	}
}

// processBlockDetached lets a started block finish even if ctx is cancelled meanwhile
func (w *Watcher) processBlockDetached(ctx context.Context, number uint64) (*BlockResult, error) {
	blockCtx := context.WithoutCancel(ctx)
	if w.config.BlockTimeout > 0 {
		var cancel context.CancelFunc
		blockCtx, cancel = context.WithTimeout(blockCtx, w.config.BlockTimeout)
		defer cancel()
	}
	return w.ProcessBlock(blockCtx, number)
}

// ProcessBlock runs every active rule over the block's transactions addressed to the contract.
// Receipt, rule and alert failures are logged and skipped; only block and rule-loading failures are returned.
func (w *Watcher) ProcessBlock(ctx context.Context, number uint64) (*BlockResult, error) {
	start := time.Now()
	logger := w.logger.WithField("block", number)

	block, err := w.client.GetBlock(ctx, number, true)
	if err != nil {
		w.recordBlock("error", start)
		return nil, err
	}

	ruleSet, err := w.store.GetRulesFor(ctx, w.contract.ID)
	if err != nil {
		w.recordBlock("error", start)
		return nil, utils.WrapError(utils.ErrCodePersistence, "Failed to load rules", err)
	}

	result := &BlockResult{
		BlockNumber: number,
		BlockHash:   block.Hash().Hex(),
		Timestamp:   time.Unix(int64(block.Time()), 0).UTC(),
	}
	blockCtx := rules.BlockContext{
		Number: number,
		Hash:   block.Hash(),
		Time:   result.Timestamp,
	}

	retention := minActivityRetention
	for _, rule := range ruleSet {
		if window := rules.ActivityWindow(rule); window > retention {
			retention = window
		}
	}

	for _, tx := range block.Transactions() {
		if to := tx.To(); to == nil || *to != w.address {
			continue
		}
		result.TxMatched++
		if w.metrics != nil {
			w.metrics.RecordTransactionMatched(w.contract.Chain)
		}

		activity := w.activity.Record(tx.Hash(), blockCtx.Time, retention)

		receipt, err := w.client.GetReceipt(ctx, tx.Hash())
		if err != nil {
			txLogger := logger.WithField("tx_hash", tx.Hash().Hex())
			if errors.Is(err, utils.ErrReceiptPending) {
				txLogger.Debug("Receipt pending, evaluating without it")
			} else {
				result.ReceiptErrors++
				txLogger.WithError(err).Warn("Receipt unavailable, evaluating without it")
			}
			receipt = nil
		}

		w.evaluateTransaction(ctx, tx, receipt, blockCtx, activity, ruleSet, result)
	}

	result.ProcessingTime = time.Since(start)
	w.recordBlock("success", start)
	if w.metrics != nil {
		w.metrics.UpdateLatestProcessedBlock(w.contract.Chain, number)
	}

	if result.TxMatched > 0 {
		logger.WithFields(logrus.Fields{
			"tx_matched":      result.TxMatched,
			"candidates":      result.Candidates,
			"alerts_created":  result.AlertsCreated,
			"rule_errors":     result.RuleErrors,
			"receipt_errors":  result.ReceiptErrors,
			"processing_time": result.ProcessingTime,
		}).Debug("Block processed")
	}
	return result, nil
}

// evaluateTransaction runs each rule in isolation so one failing rule never hides another's alert
func (w *Watcher) evaluateTransaction(
	ctx context.Context,
	tx *types.Transaction,
	receipt *types.Receipt,
	block rules.BlockContext,
	activity []time.Time,
	ruleSet []*models.MonitoringRule,
	result *BlockResult,
) {
	for _, rule := range ruleSet {
		logger := w.logger.WithFields(logrus.Fields{
			"block":     block.Number,
			"tx_hash":   tx.Hash().Hex(),
			"rule_id":   rule.ID,
			"rule_type": rule.RuleType,
		})

		candidate, err := w.engine.Evaluate(&rules.Input{
			Contract: w.contract,
			Rule:     rule,
			Tx:       tx,
			Receipt:  receipt,
			Block:    block,
			Activity: activity,
		})
		if err != nil {
			result.RuleErrors++
			w.recordEvaluation(rule.RuleType, "error")
			logger.WithError(err).Warn("Rule evaluation failed")
			continue
		}
		if candidate == nil {
			w.recordEvaluation(rule.RuleType, "clear")
			continue
		}
		w.recordEvaluation(rule.RuleType, "fired")
		result.Candidates++

		w.decorate(candidate)

		submitted, err := w.alerts.Submit(ctx, candidate, w.contract, rule)
		if err != nil {
			logger.WithError(err).Error("Alert could not be stored")
			continue
		}
		switch submitted.Outcome {
		case processor.OutcomeCreated:
			result.AlertsCreated++
		case processor.OutcomeDuplicate:
			result.Duplicates++
		}
	}
}

// decorate attaches the decoded arguments of the triggering log when the ABI knows its event
func (w *Watcher) decorate(candidate *rules.Candidate) {
	if w.decoder == nil || candidate.Log == nil {
		return
	}
	name, args, err := w.decoder.Decode(candidate.Log)
	if err != nil {
		w.logger.WithError(err).Debug("Could not decode triggering log")
		return
	}
	candidate.Metadata["decoded_event"] = name
	candidate.Metadata["event_args"] = args
}

func (w *Watcher) recordBlock(status string, start time.Time) {
	if w.metrics != nil {
		w.metrics.RecordBlockProcessed(w.contract.Chain, status, time.Since(start))
	}
}

func (w *Watcher) recordEvaluation(ruleType models.RuleType, outcome string) {
	if w.metrics != nil {
		w.metrics.RecordRuleEvaluation(string(ruleType), outcome)
	}
}
