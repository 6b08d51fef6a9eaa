package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// ErrorSink receives alerts that could not be persisted so they are never lost silently
type ErrorSink interface {
	Report(ctx context.Context, alert *models.ContractAlert, err error)
}

// LogSink writes the full alert to the error log
type LogSink struct {
	logger *logrus.Entry
}

// NewLogSink creates a sink on the shared logger
func NewLogSink() *LogSink {
	return &LogSink{logger: utils.ComponentLogger("alert_sink")}
}

// Report implements ErrorSink
func (s *LogSink) Report(_ context.Context, alert *models.ContractAlert, err error) {
	payload, marshalErr := json.Marshal(alert)
	if marshalErr != nil {
		payload = []byte(alert.ID)
	}
	s.logger.WithFields(logrus.Fields{
		"alert_id":    alert.ID,
		"contract_id": alert.ContractID,
		"rule_id":     alert.RuleID,
		"dedup_key":   alert.DedupKey,
		"alert":       string(payload),
	}).WithError(err).Error("Alert dropped after persistence retries")
}

// SentrySink reports unpersisted alerts as Sentry events
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink creates a sink on its own hub so it does not touch the global one
func NewSentrySink(opts sentry.ClientOptions) (*SentrySink, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeConfiguration, "Invalid Sentry configuration", err)
	}
	return &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report implements ErrorSink
func (s *SentrySink) Report(_ context.Context, alert *models.ContractAlert, err error) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("component", "alert_pipeline")
		scope.SetTag("alert_type", string(alert.AlertType))
		scope.SetTag("severity", string(alert.Severity))
		scope.SetContext("alert", sentry.Context{
			"id":          alert.ID,
			"contract_id": alert.ContractID,
			"rule_id":     alert.RuleID,
			"dedup_key":   alert.DedupKey,
			"tx_hash":     alert.TxHash,
			"title":       alert.Title,
			"description": alert.Description,
		})
		s.hub.CaptureException(err)
	})
}

// Flush waits for queued events
func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

// MultiSink fans a report out to several sinks
type MultiSink []ErrorSink

// Report implements ErrorSink
func (m MultiSink) Report(ctx context.Context, alert *models.ContractAlert, err error) {
	for _, sink := range m {
		sink.Report(ctx, alert, err)
	}
}

// NewErrorSink always logs and additionally reports to Sentry when a DSN is configured.
// The returned flush function drains pending Sentry events.
func NewErrorSink(cfg config.SentryConfig) (ErrorSink, func(), error) {
	logSink := NewLogSink()
	if cfg.DSN == "" {
		return logSink, func() {}, nil
	}

	sentrySink, err := NewSentrySink(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return nil, nil, err
	}
	return MultiSink{logSink, sentrySink}, func() { sentrySink.Flush(2 * time.Second) }, nil
}
