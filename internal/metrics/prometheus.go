package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the contract monitor
type PrometheusMetrics struct {
	// Watcher metrics
	BlocksProcessedTotal    *prometheus.CounterVec
	BlockProcessingDuration *prometheus.HistogramVec
	TransactionsMatched     *prometheus.CounterVec
	LatestProcessedBlock    *prometheus.GaugeVec

	// Rule metrics
	RuleEvaluationsTotal *prometheus.CounterVec
	RuleErrorsTotal      *prometheus.CounterVec

	// Alert pipeline metrics
	AlertsCreatedTotal   *prometheus.CounterVec
	AlertDuplicatesTotal *prometheus.CounterVec
	AlertPersistFailures prometheus.Counter
	BalanceChecksTotal   *prometheus.CounterVec

	// Connection and error metrics
	ChainUnavailableTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsSentTotal       *prometheus.CounterVec
	NotificationFailuresTotal    *prometheus.CounterVec
	NotificationsSuppressedTotal prometheus.Counter
	NotificationDuration         *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge

	// Supervisor metrics
	ContractsMonitored prometheus.Gauge
	WatcherRestarts    prometheus.Counter
}

// NewPrometheusMetrics creates all metrics and registers them on reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		BlocksProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_blocks_processed_total",
				Help: "Total number of blocks processed by watchers",
			},
			[]string{"chain", "status"},
		),

		BlockProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contract_monitor_block_processing_duration_seconds",
				Help:    "Time spent processing one block for one contract",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"chain"},
		),

		TransactionsMatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_transactions_matched_total",
				Help: "Transactions addressed to a monitored contract",
			},
			[]string{"chain"},
		),

		LatestProcessedBlock: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "contract_monitor_latest_processed_block",
				Help: "Latest block number processed on each chain",
			},
			[]string{"chain"},
		),

		RuleEvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_rule_evaluations_total",
				Help: "Rule evaluations by rule type and outcome",
			},
			[]string{"rule_type", "outcome"},
		),

		RuleErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_rule_errors_total",
				Help: "Rule evaluations that failed",
			},
			[]string{"rule_type"},
		),

		AlertsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_alerts_created_total",
				Help: "Alerts persisted by type and severity",
			},
			[]string{"alert_type", "severity"},
		),

		AlertDuplicatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_alert_duplicates_total",
				Help: "Candidate alerts dropped by deduplication",
			},
			[]string{"source"},
		),

		AlertPersistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "contract_monitor_alert_persist_failures_total",
				Help: "Alerts sent to the error sink after exhausting retries",
			},
		),

		BalanceChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_balance_checks_total",
				Help: "Periodic balance checks by outcome",
			},
			[]string{"chain", "outcome"},
		),

		ChainUnavailableTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_chain_unavailable_total",
				Help: "Chain calls that exhausted their retries",
			},
			[]string{"chain", "method"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"chain", "method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contract_monitor_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"chain", "method"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contract_monitor_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		NotificationsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_notifications_sent_total",
				Help: "Total number of notifications delivered",
			},
			[]string{"channel", "severity"},
		),

		NotificationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_notification_failures_total",
				Help: "Total number of failed notifications",
			},
			[]string{"channel", "severity"},
		),

		NotificationsSuppressedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "contract_monitor_notifications_suppressed_total",
				Help: "Alerts persisted but not dispatched because of the hourly cap",
			},
		),

		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contract_monitor_notification_duration_seconds",
				Help:    "Duration of notification delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contract_monitor_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contract_monitor_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "contract_monitor_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "contract_monitor_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "contract_monitor_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "contract_monitor_goroutines",
				Help: "Number of running goroutines",
			},
		),

		ContractsMonitored: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "contract_monitor_contracts_monitored",
				Help: "Number of contracts with a running watcher",
			},
		),

		WatcherRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "contract_monitor_watcher_restarts_total",
				Help: "Watcher restarts after an unrecoverable chain failure",
			},
		),
	}
}

// RecordBlockProcessed records a processed block
func (m *PrometheusMetrics) RecordBlockProcessed(chain, status string, duration time.Duration) {
	m.BlocksProcessedTotal.WithLabelValues(chain, status).Inc()
	m.BlockProcessingDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

// RecordTransactionMatched records a transaction addressed to a monitored contract
func (m *PrometheusMetrics) RecordTransactionMatched(chain string) {
	m.TransactionsMatched.WithLabelValues(chain).Inc()
}

// UpdateLatestProcessedBlock updates the latest processed block metric
func (m *PrometheusMetrics) UpdateLatestProcessedBlock(chain string, blockNumber uint64) {
	m.LatestProcessedBlock.WithLabelValues(chain).Set(float64(blockNumber))
}

// RecordRuleEvaluation records one evaluator run; outcome is "alert", "none" or "error"
func (m *PrometheusMetrics) RecordRuleEvaluation(ruleType, outcome string) {
	m.RuleEvaluationsTotal.WithLabelValues(ruleType, outcome).Inc()
	if outcome == "error" {
		m.RuleErrorsTotal.WithLabelValues(ruleType).Inc()
	}
}

// RecordAlertCreated records a persisted alert
func (m *PrometheusMetrics) RecordAlertCreated(alertType, severity string) {
	m.AlertsCreatedTotal.WithLabelValues(alertType, severity).Inc()
}

// RecordAlertDuplicate records a candidate dropped by deduplication
func (m *PrometheusMetrics) RecordAlertDuplicate(source string) {
	m.AlertDuplicatesTotal.WithLabelValues(source).Inc()
}

// RecordAlertPersistFailure records an alert handed to the error sink
func (m *PrometheusMetrics) RecordAlertPersistFailure() {
	m.AlertPersistFailures.Inc()
}

// RecordBalanceCheck records one periodic balance check
func (m *PrometheusMetrics) RecordBalanceCheck(chain, outcome string) {
	m.BalanceChecksTotal.WithLabelValues(chain, outcome).Inc()
}

// RecordChainUnavailable records a chain call that exhausted its retries
func (m *PrometheusMetrics) RecordChainUnavailable(chain, method string) {
	m.ChainUnavailableTotal.WithLabelValues(chain, method).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(chain, method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(chain, method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(chain, method).Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordNotificationSent records a delivered notification
func (m *PrometheusMetrics) RecordNotificationSent(channel, severity string, duration time.Duration) {
	m.NotificationsSentTotal.WithLabelValues(channel, severity).Inc()
	m.NotificationDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordNotificationFailure records a failed notification
func (m *PrometheusMetrics) RecordNotificationFailure(channel, severity string) {
	m.NotificationFailuresTotal.WithLabelValues(channel, severity).Inc()
}

// RecordNotificationSuppressed records an alert held back by the hourly cap
func (m *PrometheusMetrics) RecordNotificationSuppressed() {
	m.NotificationsSuppressedTotal.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}

// UpdateContractsMonitored updates the number of monitored contracts
func (m *PrometheusMetrics) UpdateContractsMonitored(count int) {
	m.ContractsMonitored.Set(float64(count))
}

// RecordWatcherRestart records a supervisor-initiated watcher restart
func (m *PrometheusMetrics) RecordWatcherRestart() {
	m.WatcherRestarts.Inc()
}
