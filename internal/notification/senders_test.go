package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

const hookURL = "https://hooks.example.com/alerts"

func testMessage(settings models.NotificationSettings) *Message {
	block := uint64(19000000)
	return &Message{
		Alert: &models.ContractAlert{
			ID:          "alert-1",
			ContractID:  "contract-1",
			RuleID:      "rule-1",
			AlertType:   models.RuleLargeTransaction,
			Severity:    models.SeverityCritical,
			Title:       "Large transaction detected",
			Description: "Transfer of 1500 ETH <exceeds> threshold",
			TxHash:      "0xabc",
			BlockNumber: &block,
			Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Metadata:    map[string]interface{}{"value": "1500000000000000000000"},
		},
		Contract: &models.MonitoredContract{
			ID:      "contract-1",
			Name:    "Vault",
			Address: "0x00000000000000000000000000000000000000c0",
			Chain:   "ethereum",
			UserID:  "user-1",
		},
		Rule: &models.MonitoringRule{ID: "rule-1", Notifications: settings},
	}
}

func newTestWebhookSender(attempts int) (*WebhookSender, *httpmock.MockTransport) {
	sender := NewWebhookSender(config.NotificationConfig{
		NotificationTimeout: time.Second,
		RetryAttempts:       attempts,
		RetryDelay:          time.Millisecond,
		Webhook:             config.WebhookConfig{Headers: map[string]string{"Authorization": "Bearer token"}},
	})
	mock := httpmock.NewMockTransport()
	sender.HTTPClient().Transport = mock
	return sender, mock
}

func TestMessageRendering(t *testing.T) {
	msg := testMessage(models.NotificationSettings{})
	assert.Equal(t, "[CRITICAL] Vault: Large transaction detected", msg.Subject())

	fields := make(map[string]string)
	for _, f := range msg.Fields() {
		fields[f[0]] = f[1]
	}
	assert.Equal(t, "1500", fields["Value"])
	assert.Equal(t, "19000000", fields["Block"])
	assert.Equal(t, "2024-05-01 12:00:00 UTC", fields["Time"])
}

func TestWebhookSenderDelivers(t *testing.T) {
	sender, mock := newTestWebhookSender(3)

	var payload WebhookPayload
	var headers http.Header
	mock.RegisterResponder(http.MethodPost, hookURL, func(req *http.Request) (*http.Response, error) {
		headers = req.Header
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
	})

	err := sender.Send(context.Background(), testMessage(models.NotificationSettings{Webhook: true, WebhookURL: hookURL}))
	require.NoError(t, err)

	assert.Equal(t, 1, mock.GetTotalCallCount())
	assert.Equal(t, "contract_alert", payload.Event)
	assert.Equal(t, "large_transaction", payload.Type)
	assert.Equal(t, "Vault", payload.Contract.Name)
	require.NotNil(t, payload.Alert)
	assert.Equal(t, "alert-1", payload.Alert.ID)
	assert.Equal(t, "Bearer token", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.NotEmpty(t, headers.Get("X-Request-ID"))
}

func TestWebhookSenderRetriesServerErrors(t *testing.T) {
	sender, mock := newTestWebhookSender(3)

	var mu sync.Mutex
	calls := 0
	mock.RegisterResponder(http.MethodPost, hookURL, func(*http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusInternalServerError, "boom"), nil
		}
		return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
	})

	err := sender.Send(context.Background(), testMessage(models.NotificationSettings{Webhook: true, WebhookURL: hookURL}))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.GetTotalCallCount())
}

func TestWebhookSenderGivesUp(t *testing.T) {
	sender, mock := newTestWebhookSender(3)
	mock.RegisterResponder(http.MethodPost, hookURL, httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	err := sender.Send(context.Background(), testMessage(models.NotificationSettings{Webhook: true, WebhookURL: hookURL}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrNotification))
	assert.Equal(t, 3, mock.GetTotalCallCount())
}

func TestWebhookSenderDoesNotRetryClientErrors(t *testing.T) {
	sender, mock := newTestWebhookSender(3)
	mock.RegisterResponder(http.MethodPost, hookURL, httpmock.NewStringResponder(http.StatusBadRequest, "bad payload"))

	err := sender.Send(context.Background(), testMessage(models.NotificationSettings{Webhook: true, WebhookURL: hookURL}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Webhook failed after 1 attempts")
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestWebhookSenderNeedsURL(t *testing.T) {
	sender, mock := newTestWebhookSender(1)

	err := sender.Send(context.Background(), testMessage(models.NotificationSettings{Webhook: true}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrValidation))
	assert.Zero(t, mock.GetTotalCallCount())
}

type capturedMail struct {
	addr string
	from string
	to   []string
	body string
}

func TestEmailSender(t *testing.T) {
	cfg := config.EmailConfig{
		Enabled:   true,
		SMTPHost:  "smtp.example.com",
		SMTPPort:  587,
		FromEmail: "alerts@example.com",
		FromName:  "Contract Monitor",
		DefaultTo: []string{"ops@example.com"},
	}

	t.Run("rule recipients", func(t *testing.T) {
		var got capturedMail
		sender := NewEmailSender(cfg, time.Second).WithSendMail(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			got = capturedMail{addr: addr, from: from, to: to, body: string(msg)}
			return nil
		})

		msg := testMessage(models.NotificationSettings{Email: true, EmailRecipients: []string{"owner@example.com"}})
		require.NoError(t, sender.Send(context.Background(), msg))

		assert.Equal(t, "smtp.example.com:587", got.addr)
		assert.Equal(t, "alerts@example.com", got.from)
		assert.Equal(t, []string{"owner@example.com"}, got.to)
		assert.Contains(t, got.body, "Subject: [CRITICAL] Vault: Large transaction detected\r\n")
		assert.Contains(t, got.body, "X-Priority: 1")
		assert.Contains(t, got.body, "&lt;exceeds&gt;")
		assert.NotContains(t, got.body, "<exceeds>")
	})

	t.Run("default recipients", func(t *testing.T) {
		var to []string
		sender := NewEmailSender(cfg, time.Second).WithSendMail(func(_ string, _ smtp.Auth, _ string, recipients []string, _ []byte) error {
			to = recipients
			return nil
		})
		require.NoError(t, sender.Send(context.Background(), testMessage(models.NotificationSettings{Email: true})))
		assert.Equal(t, []string{"ops@example.com"}, to)
	})

	t.Run("invalid recipient", func(t *testing.T) {
		sender := NewEmailSender(cfg, time.Second).WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			t.Fatal("send must not be attempted")
			return nil
		})
		msg := testMessage(models.NotificationSettings{Email: true, EmailRecipients: []string{"not-an-address"}})
		err := sender.Send(context.Background(), msg)
		assert.True(t, errors.Is(err, utils.ErrValidation))
	})

	t.Run("transport failure", func(t *testing.T) {
		sender := NewEmailSender(cfg, time.Second).WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("421 service not available")
		})
		err := sender.Send(context.Background(), testMessage(models.NotificationSettings{Email: true}))
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrNotification))
	})

	t.Run("cancelled", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		sender := NewEmailSender(cfg, time.Second).WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			<-release
			return nil
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := sender.Send(ctx, testMessage(models.NotificationSettings{Email: true}))
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "timed out"))
	})
}

type memoryInAppStore struct {
	saved []*models.InAppNotification
}

func (s *memoryInAppStore) SaveInAppNotification(_ context.Context, n *models.InAppNotification) error {
	s.saved = append(s.saved, n)
	return nil
}

func TestInAppSender(t *testing.T) {
	store := &memoryInAppStore{}
	sender := NewInAppSender(store)

	require.NoError(t, sender.Send(context.Background(), testMessage(models.NotificationSettings{InApp: true})))
	require.Len(t, store.saved, 1)
	assert.Equal(t, "user-1", store.saved[0].UserID)
	assert.Equal(t, "alert-1", store.saved[0].AlertID)
	assert.Equal(t, models.SeverityCritical, store.saved[0].Severity)

	orphan := testMessage(models.NotificationSettings{InApp: true})
	orphan.Contract.UserID = ""
	assert.Error(t, sender.Send(context.Background(), orphan))
}

func TestNewSenders(t *testing.T) {
	senders := NewSenders(config.NotificationConfig{
		Enabled: true,
		Email:   config.EmailConfig{Enabled: true},
		Webhook: config.WebhookConfig{Enabled: false},
	}, &memoryInAppStore{})

	channels := make([]models.Channel, 0, len(senders))
	for _, s := range senders {
		channels = append(channels, s.Channel())
	}
	assert.ElementsMatch(t, []models.Channel{models.ChannelInApp, models.ChannelEmail}, channels)
}
