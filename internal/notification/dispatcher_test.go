package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/models"
)

type memoryDispatchStore struct {
	mu          sync.Mutex
	records     []*models.DispatchRecord
	ruleCounts  map[string]int
	lastAlertAt map[string]time.Time
	dispatched  map[string]bool
}

func newMemoryDispatchStore() *memoryDispatchStore {
	return &memoryDispatchStore{
		ruleCounts:  make(map[string]int),
		lastAlertAt: make(map[string]time.Time),
		dispatched:  make(map[string]bool),
	}
}

func (s *memoryDispatchStore) SaveDispatchRecord(_ context.Context, record *models.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memoryDispatchStore) HasDelivered(_ context.Context, alertID string, channel models.Channel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.AlertID == alertID && r.Channel == channel && r.Status == models.DispatchDelivered {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryDispatchStore) RecordRuleDispatch(_ context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleCounts[ruleID]++
	s.lastAlertAt[ruleID] = at
	return nil
}

func (s *memoryDispatchStore) MarkAlertDispatched(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched[alertID] = true
	return nil
}

func (s *memoryDispatchStore) statuses(alertID string) map[models.Channel]models.DispatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Channel]models.DispatchStatus)
	for _, r := range s.records {
		if r.AlertID == alertID {
			out[r.Channel] = r.Status
		}
	}
	return out
}

type fakeSender struct {
	channel models.Channel
	err     error
	panics  bool
	mu      sync.Mutex
	sent    []string
}

func (f *fakeSender) Channel() models.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, msg *Message) error {
	if f.panics {
		panic("channel exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg.Alert.ID)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Time) (bool, error) {
	return false, errors.New("redis down")
}

func dispatchFixtures(maxPerHour int, notifications models.NotificationSettings) (*models.MonitoredContract, *models.MonitoringRule) {
	contract := &models.MonitoredContract{
		ID:               "contract-1",
		Address:          "0x00000000000000000000000000000000000000c0",
		Chain:            "ethereum",
		UserID:           "user-1",
		Name:             "Vault",
		MaxAlertsPerHour: maxPerHour,
	}
	rule := &models.MonitoringRule{
		ID:            "rule-1",
		ContractID:    contract.ID,
		RuleType:      models.RuleLargeTransaction,
		IsActive:      true,
		Notifications: notifications,
	}
	return contract, rule
}

func dispatchAlert(id string) *models.ContractAlert {
	return &models.ContractAlert{
		ID:         id,
		ContractID: "contract-1",
		RuleID:     "rule-1",
		AlertType:  models.RuleLargeTransaction,
		Severity:   models.SeverityHigh,
		Title:      "Large transaction detected",
		Timestamp:  time.Now(),
	}
}

func TestDispatchRespectsHourlyCap(t *testing.T) {
	store := newMemoryDispatchStore()
	webhook := &fakeSender{channel: models.ChannelWebhook}
	d := NewDispatcher(store, NewMemoryRateLimiter(), time.Second, metrics.NewManager(), webhook)

	const n, m = 3, 5
	contract, rule := dispatchFixtures(n, models.NotificationSettings{Webhook: true})

	suppressed := 0
	for i := 0; i < m; i++ {
		result, err := d.Dispatch(context.Background(), dispatchAlert(string(rune('a'+i))), contract, rule)
		require.NoError(t, err)
		if result.Suppressed {
			suppressed++
			assert.Empty(t, result.Channels)
		}
	}

	assert.Equal(t, n, webhook.count())
	assert.Equal(t, m-n, suppressed)
	assert.Equal(t, n, store.ruleCounts[rule.ID])
	assert.Len(t, store.dispatched, n)
	assert.True(t, store.dispatched["a"])
	assert.False(t, store.dispatched["e"])

	stats := d.GetStats()
	assert.Equal(t, uint64(n), stats.AlertsDispatched)
	assert.Equal(t, uint64(m-n), stats.AlertsSuppressed)
}

func TestDispatchUnboundedWithoutCap(t *testing.T) {
	store := newMemoryDispatchStore()
	inApp := &fakeSender{channel: models.ChannelInApp}
	d := NewDispatcher(store, NewMemoryRateLimiter(), time.Second, nil, inApp)
	contract, rule := dispatchFixtures(0, models.NotificationSettings{InApp: true})

	for i := 0; i < 50; i++ {
		result, err := d.Dispatch(context.Background(), dispatchAlert(string(rune('A'+i))), contract, rule)
		require.NoError(t, err)
		assert.False(t, result.Suppressed)
	}
	assert.Equal(t, 50, inApp.count())
}

func TestDispatchChannelFailuresAreIsolated(t *testing.T) {
	store := newMemoryDispatchStore()
	email := &fakeSender{channel: models.ChannelEmail}
	webhook := &fakeSender{channel: models.ChannelWebhook, err: errors.New("503 service unavailable")}
	inApp := &fakeSender{channel: models.ChannelInApp, panics: true}
	d := NewDispatcher(store, nil, time.Second, nil, email, webhook, inApp)
	contract, rule := dispatchFixtures(0, models.NotificationSettings{Email: true, Webhook: true, InApp: true})

	result, err := d.Dispatch(context.Background(), dispatchAlert("alert-1"), contract, rule)
	require.NoError(t, err)

	assert.Equal(t, models.DispatchDelivered, result.Channels[models.ChannelEmail])
	assert.Equal(t, models.DispatchFailed, result.Channels[models.ChannelWebhook])
	assert.Equal(t, models.DispatchFailed, result.Channels[models.ChannelInApp])
	assert.True(t, result.Delivered())
	assert.Equal(t, 1, email.count())

	statuses := store.statuses("alert-1")
	assert.Len(t, statuses, 3)
	assert.Equal(t, models.DispatchFailed, statuses[models.ChannelWebhook])
	assert.True(t, store.dispatched["alert-1"])
}

func TestDispatchDeliversOncePerChannel(t *testing.T) {
	store := newMemoryDispatchStore()
	email := &fakeSender{channel: models.ChannelEmail}
	d := NewDispatcher(store, nil, time.Second, nil, email)
	contract, rule := dispatchFixtures(0, models.NotificationSettings{Email: true})

	alert := dispatchAlert("alert-1")
	_, err := d.Dispatch(context.Background(), alert, contract, rule)
	require.NoError(t, err)
	result, err := d.Dispatch(context.Background(), alert, contract, rule)
	require.NoError(t, err)

	assert.Equal(t, 1, email.count())
	assert.Equal(t, models.DispatchSkipped, result.Channels[models.ChannelEmail])
}

func TestDispatchUnconfiguredChannelIsSkipped(t *testing.T) {
	store := newMemoryDispatchStore()
	d := NewDispatcher(store, nil, time.Second, nil)
	contract, rule := dispatchFixtures(0, models.NotificationSettings{Email: true})

	result, err := d.Dispatch(context.Background(), dispatchAlert("alert-1"), contract, rule)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchSkipped, result.Channels[models.ChannelEmail])
	assert.False(t, result.Delivered())
}

func TestDispatchWithoutChannelsWritesNothing(t *testing.T) {
	store := newMemoryDispatchStore()
	d := NewDispatcher(store, NewMemoryRateLimiter(), time.Second, nil)
	contract, rule := dispatchFixtures(1, models.NotificationSettings{})

	result, err := d.Dispatch(context.Background(), dispatchAlert("alert-1"), contract, rule)
	require.NoError(t, err)
	assert.False(t, result.Suppressed)
	assert.Empty(t, store.ruleCounts)
	assert.Empty(t, store.dispatched)
}

func TestDispatchFailsOpenWhenLimiterErrors(t *testing.T) {
	store := newMemoryDispatchStore()
	webhook := &fakeSender{channel: models.ChannelWebhook}
	d := NewDispatcher(store, failingLimiter{}, time.Second, nil, webhook)
	contract, rule := dispatchFixtures(1, models.NotificationSettings{Webhook: true})

	result, err := d.Dispatch(context.Background(), dispatchAlert("alert-1"), contract, rule)
	require.NoError(t, err)
	assert.False(t, result.Suppressed)
	assert.Equal(t, 1, webhook.count())
}
