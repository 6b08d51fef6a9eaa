package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/connection"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/internal/storage"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
	"golang.org/x/sync/errgroup"
)

const statusWriteTimeout = 5 * time.Second

// ContractState is the supervisor's view of one contract
type ContractState struct {
	ContractID string                `json:"contract_id"`
	Status     models.ContractStatus `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Running    bool                  `json:"running"`
	Restarts   int                   `json:"restarts"`
	LastBlock  *uint64               `json:"last_block,omitempty"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
}

// MonitorStats provides supervisor statistics
type MonitorStats struct {
	StartTime          time.Time `json:"start_time"`
	ContractsMonitored int       `json:"contracts_monitored"`
	ContractsInError   int       `json:"contracts_in_error"`
	TotalRestarts      uint64    `json:"total_restarts"`
}

// unit is the watcher and checker pair of one running contract
type unit struct {
	contract  *models.MonitoredContract
	watcher   *Watcher
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu       sync.Mutex
	status   models.ContractStatus
	reason   string
	restarts int
}

// Supervisor owns one watcher and one checker per monitored contract
type Supervisor struct {
	store      storage.Storage
	chains     connection.ClientSource
	engine     *rules.Engine
	alerts     AlertSubmitter
	config     config.MonitorConfig
	metricsMgr *metrics.Manager
	metrics    *metrics.PrometheusMetrics
	logger     *logrus.Entry

	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	units    map[string]*unit
	failed   map[string]ContractState
	restarts uint64
	started  time.Time
}

// NewSupervisor creates a supervisor; nothing runs until Start or StartContract
func NewSupervisor(
	store storage.Storage,
	chains connection.ClientSource,
	engine *rules.Engine,
	alerts AlertSubmitter,
	cfg config.MonitorConfig,
	metricsManager *metrics.Manager,
) *Supervisor {
	if cfg.RestartInitialDelay <= 0 {
		cfg.RestartInitialDelay = 5 * time.Second
	}
	if cfg.RestartMaxDelay < cfg.RestartInitialDelay {
		cfg.RestartMaxDelay = cfg.RestartInitialDelay
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		store:      store,
		chains:     chains,
		engine:     engine,
		alerts:     alerts,
		config:     cfg,
		metricsMgr: metricsManager,
		logger:     utils.ComponentLogger("supervisor"),
		base:       base,
		cancelBase: cancel,
		units:      make(map[string]*unit),
		failed:     make(map[string]ContractState),
		started:    time.Now(),
	}
	if metricsManager != nil {
		s.metrics = metricsManager.GetPrometheusMetrics()
	}
	return s
}

// Start starts every active contract. A contract that cannot be started is left in
// error status; only failing to list contracts is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	contracts, err := s.store.ListActiveContracts(ctx)
	if err != nil {
		return utils.WrapError(utils.ErrCodePersistence, "Failed to load active contracts", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, contract := range contracts {
		g.Go(func() error {
			if err := s.startLoaded(gctx, contract); err != nil {
				s.logger.WithError(err).WithField("contract_id", contract.ID).Error("Contract could not be started")
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.WithField("contracts", len(s.Running())).Info("Supervisor started")
	return nil
}

// StartContract starts monitoring contractID and marks it active. Starting a running contract is a no-op.
func (s *Supervisor) StartContract(ctx context.Context, contractID string) error {
	if s.isRunning(contractID) {
		return nil
	}

	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if !contract.IsActive {
		if err := s.store.SetContractActive(ctx, contractID, true); err != nil {
			return err
		}
		contract.IsActive = true
	}
	return s.startLoaded(ctx, contract)
}

func (s *Supervisor) startLoaded(ctx context.Context, contract *models.MonitoredContract) error {
	logger := s.logger.WithFields(logrus.Fields{
		"contract_id": contract.ID,
		"chain":       contract.Chain,
	})

	client, err := s.chains.Client(contract.Chain)
	if err != nil {
		s.markFailed(contract.ID, err)
		return err
	}

	s.mu.Lock()
	if _, ok := s.units[contract.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	unitCtx, cancel := context.WithCancel(s.base)
	u := &unit{
		contract:  contract,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		status:    models.ContractStatusStarting,
	}
	u.watcher = NewWatcher(contract, client, s.store, s.engine, s.alerts, s.config, s.metricsMgr)
	u.watcher.OnStateChange = func(state WatcherState, err error) {
		switch state {
		case WatcherRunning:
			s.setStatus(u, models.ContractStatusRunning, "")
		case WatcherError:
			s.setStatus(u, models.ContractStatusError, errorReason(err))
		}
	}
	checker := NewChecker(contract, client, s.store, s.alerts, s.engine.Thresholds(), s.config.CheckInterval, s.metricsMgr)
	s.units[contract.ID] = u
	delete(s.failed, contract.ID)
	s.mu.Unlock()

	s.persistStatus(contract.ID, models.ContractStatusStarting, "")
	s.updateGauge()

	go s.run(unitCtx, u, checker)

	logger.Info("Contract monitoring started")
	return nil
}

// run drives one unit until its context ends, restarting the watcher with backoff after failures
func (s *Supervisor) run(ctx context.Context, u *unit, checker *Checker) {
	defer close(u.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		checker.Run(ctx)
	}()
	defer wg.Wait()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.RestartInitialDelay
	policy.MaxInterval = s.config.RestartMaxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	logger := s.logger.WithField("contract_id", u.contract.ID)

	for {
		runStart := time.Now()
		err := u.watcher.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		if time.Since(runStart) > s.config.RestartMaxDelay {
			policy.Reset()
		}

		delay := policy.NextBackOff()
		logger.WithError(err).WithField("retry_in", delay).Warn("Watcher failed, restarting")

		u.mu.Lock()
		u.restarts++
		u.mu.Unlock()
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordWatcherRestart()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// StopContract stops monitoring contractID and marks it inactive. Its subscription
// and timer are released before StopContract returns.
func (s *Supervisor) StopContract(ctx context.Context, contractID string) error {
	s.mu.Lock()
	u, ok := s.units[contractID]
	delete(s.units, contractID)
	delete(s.failed, contractID)
	s.mu.Unlock()

	if ok {
		u.cancel()
		<-u.done
	} else if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return err
	}

	if err := s.store.SetContractActive(ctx, contractID, false); err != nil {
		return err
	}
	s.persistStatus(contractID, models.ContractStatusStopped, "")
	s.updateGauge()

	s.logger.WithField("contract_id", contractID).Info("Contract monitoring stopped")
	return nil
}

// StopAll stops every contract without marking them inactive, so they resume on the next Start
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	units := make([]*unit, 0, len(s.units))
	for id, u := range s.units {
		units = append(units, u)
		delete(s.units, id)
	}
	s.mu.Unlock()

	for _, u := range units {
		u.cancel()
	}
	for _, u := range units {
		<-u.done
		s.persistStatus(u.contract.ID, models.ContractStatusStopped, "")
	}
	s.updateGauge()

	s.logger.WithField("contracts", len(units)).Info("All contract monitoring stopped")
}

// Close stops everything; the supervisor cannot be restarted afterwards
func (s *Supervisor) Close() {
	s.StopAll()
	s.cancelBase()
}

// Running returns the IDs of running contracts in sorted order
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the supervisor's view of contractID; ok is false when it never started it
func (s *Supervisor) State(contractID string) (ContractState, bool) {
	s.mu.Lock()
	u, running := s.units[contractID]
	failed, hasFailed := s.failed[contractID]
	s.mu.Unlock()

	if !running {
		return failed, hasFailed
	}

	u.mu.Lock()
	state := ContractState{
		ContractID: contractID,
		Status:     u.status,
		Reason:     u.reason,
		Running:    true,
		Restarts:   u.restarts,
	}
	u.mu.Unlock()

	startedAt := u.startedAt
	state.StartedAt = &startedAt
	if cursor, ok := u.watcher.Cursor(); ok {
		state.LastBlock = &cursor
	}
	return state, true
}

// GetStats returns supervisor statistics
func (s *Supervisor) GetStats() MonitorStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := MonitorStats{
		StartTime:          s.started,
		ContractsMonitored: len(s.units),
		ContractsInError:   len(s.failed),
		TotalRestarts:      s.restarts,
	}
	for _, u := range s.units {
		u.mu.Lock()
		if u.status == models.ContractStatusError {
			stats.ContractsInError++
		}
		u.mu.Unlock()
	}
	return stats
}

func (s *Supervisor) isRunning(contractID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[contractID]
	return ok
}

func (s *Supervisor) setStatus(u *unit, status models.ContractStatus, reason string) {
	u.mu.Lock()
	changed := u.status != status || u.reason != reason
	u.status = status
	u.reason = reason
	u.mu.Unlock()

	if changed {
		s.persistStatus(u.contract.ID, status, reason)
	}
}

// markFailed records a contract that could not be started at all
func (s *Supervisor) markFailed(contractID string, err error) {
	reason := errorReason(err)
	s.mu.Lock()
	s.failed[contractID] = ContractState{
		ContractID: contractID,
		Status:     models.ContractStatusError,
		Reason:     reason,
	}
	s.mu.Unlock()
	s.persistStatus(contractID, models.ContractStatusError, reason)
}

func (s *Supervisor) persistStatus(contractID string, status models.ContractStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := s.store.SetContractStatus(ctx, contractID, status, reason); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"contract_id": contractID,
			"status":      status,
		}).Warn("Failed to persist contract status")
	}
}

func (s *Supervisor) updateGauge() {
	if s.metrics != nil {
		s.metrics.UpdateContractsMonitored(len(s.Running()))
	}
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
