// File: internal/notification/dispatcher.go
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// DispatchStore is the bookkeeping the dispatcher needs from persistence
type DispatchStore interface {
	SaveDispatchRecord(ctx context.Context, record *models.DispatchRecord) error
	HasDelivered(ctx context.Context, alertID string, channel models.Channel) (bool, error)
	RecordRuleDispatch(ctx context.Context, ruleID string, at time.Time) error
	MarkAlertDispatched(ctx context.Context, alertID string) error
}

// DispatchResult summarises one alert's dispatch
type DispatchResult struct {
	AlertID    string
	Suppressed bool
	Channels   map[models.Channel]models.DispatchStatus
}

// Delivered reports whether at least one channel delivered the alert
func (r *DispatchResult) Delivered() bool {
	for _, status := range r.Channels {
		if status == models.DispatchDelivered {
			return true
		}
	}
	return false
}

// Dispatcher fans an alert out to the channels enabled on its rule
type Dispatcher struct {
	senders map[models.Channel]Sender
	limiter RateLimiter
	store   DispatchStore
	timeout time.Duration
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
	now     func() time.Time

	mu    sync.Mutex
	stats NotificationStats
}

// NotificationStats provides notification statistics
type NotificationStats struct {
	AlertsDispatched uint64 `json:"alerts_dispatched"`
	AlertsSuppressed uint64 `json:"alerts_suppressed"`
	Delivered        uint64 `json:"delivered"`
	Failed           uint64 `json:"failed"`
	Skipped          uint64 `json:"skipped"`
}

// NewDispatcher creates a dispatcher; a nil limiter means no cap is enforced
func NewDispatcher(store DispatchStore, limiter RateLimiter, timeout time.Duration, metricsManager *metrics.Manager, senders ...Sender) *Dispatcher {
	d := &Dispatcher{
		senders: make(map[models.Channel]Sender),
		limiter: limiter,
		store:   store,
		timeout: timeout,
		logger:  utils.ComponentLogger("dispatcher"),
		now:     time.Now,
	}
	if metricsManager != nil {
		d.metrics = metricsManager.GetPrometheusMetrics()
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	return d
}

// Dispatch delivers alert once per enabled channel. When the rule is over its
// hourly cap nothing is sent and no bookkeeping is written. Channel failures
// are isolated and reported in the result; the returned error covers only the
// rate limiter and bookkeeping writes.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.ContractAlert, contract *models.MonitoredContract, rule *models.MonitoringRule) (*DispatchResult, error) {
	result := &DispatchResult{
		AlertID:  alert.ID,
		Channels: make(map[models.Channel]models.DispatchStatus),
	}
	logger := d.logger.WithFields(logrus.Fields{
		"alert_id":    alert.ID,
		"rule_id":     rule.ID,
		"contract_id": contract.ID,
	})

	channels := rule.Notifications.Channels()
	if len(channels) == 0 {
		logger.Debug("Rule has no notification channels")
		return result, nil
	}

	now := d.now()
	if contract.RateLimited() && d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, rule.ID, contract.MaxAlertsPerHour, now)
		if err != nil {
			// an unreachable limiter must not silence alerts
			logger.WithError(err).Warn("Rate limiter failed, dispatching without cap")
		} else if !allowed {
			result.Suppressed = true
			d.mu.Lock()
			d.stats.AlertsSuppressed++
			d.mu.Unlock()
			if d.metrics != nil {
				d.metrics.RecordNotificationSuppressed()
			}
			logger.WithField("max_alerts_per_hour", contract.MaxAlertsPerHour).Info("Notification suppressed by rate limit")
			return result, nil
		}
	}

	msg := &Message{Alert: alert, Contract: contract, Rule: rule}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, channel := range channels {
		wg.Add(1)
		go func(channel models.Channel) {
			defer wg.Done()
			status := d.deliver(ctx, msg, channel)
			mu.Lock()
			result.Channels[channel] = status
			mu.Unlock()
		}(channel)
	}
	wg.Wait()

	d.mu.Lock()
	d.stats.AlertsDispatched++
	d.mu.Unlock()

	if err := d.store.RecordRuleDispatch(ctx, rule.ID, now); err != nil {
		return result, utils.WrapError(utils.ErrCodePersistence, "Failed to record rule dispatch", err)
	}
	if err := d.store.MarkAlertDispatched(ctx, alert.ID); err != nil {
		return result, utils.WrapError(utils.ErrCodePersistence, "Failed to mark alert dispatched", err)
	}
	return result, nil
}

// deliver runs one channel and records its outcome
func (d *Dispatcher) deliver(ctx context.Context, msg *Message, channel models.Channel) models.DispatchStatus {
	logger := deliveryLogger(d.logger, msg, channel)

	delivered, err := d.store.HasDelivered(ctx, msg.Alert.ID, channel)
	if err != nil {
		logger.WithError(err).Warn("Could not check previous deliveries")
	}
	if delivered {
		d.count(models.DispatchSkipped)
		return models.DispatchSkipped
	}

	record := &models.DispatchRecord{
		AlertID:  msg.Alert.ID,
		RuleID:   msg.Alert.RuleID,
		Channel:  channel,
		Attempts: 1,
	}

	sender, ok := d.senders[channel]
	if !ok {
		record.Status = models.DispatchSkipped
		record.Error = "channel not configured"
		logger.Warn("Notification channel is not configured")
	} else {
		start := time.Now()
		sendCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		err := d.send(sendCtx, sender, msg)
		logDeliveryResult(logger, record.Attempts, time.Since(start), err)

		if err != nil {
			record.Status = models.DispatchFailed
			record.Error = err.Error()
			if d.metrics != nil {
				d.metrics.RecordNotificationFailure(string(channel), string(msg.Alert.Severity))
			}
		} else {
			record.Status = models.DispatchDelivered
			if d.metrics != nil {
				d.metrics.RecordNotificationSent(string(channel), string(msg.Alert.Severity), time.Since(start))
			}
		}
	}

	if err := d.store.SaveDispatchRecord(ctx, record); err != nil {
		logger.WithError(err).Error("Failed to save dispatch record")
	}
	d.count(record.Status)
	return record.Status
}

// send shields the dispatcher from a panicking channel
func (d *Dispatcher) send(ctx context.Context, sender Sender, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.NewAppError(utils.ErrCodeNotification, "Notification channel panicked", "")
		}
	}()
	return sender.Send(ctx, msg)
}

func (d *Dispatcher) count(status models.DispatchStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch status {
	case models.DispatchDelivered:
		d.stats.Delivered++
	case models.DispatchFailed:
		d.stats.Failed++
	default:
		d.stats.Skipped++
	}
}

// GetStats returns a snapshot of the dispatch counters
func (d *Dispatcher) GetStats() NotificationStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
