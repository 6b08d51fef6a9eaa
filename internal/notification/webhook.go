// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// WebhookSender posts alerts as JSON to the rule's webhook URL
type WebhookSender struct {
	config        config.WebhookConfig
	retryAttempts int
	retryDelay    time.Duration
	httpClient    *http.Client
	logger        *logrus.Entry
}

// WebhookPayload defines the webhook payload structure
type WebhookPayload struct {
	Event     string                `json:"event"`
	Timestamp time.Time             `json:"timestamp"`
	Source    string                `json:"source"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Contract  WebhookContract       `json:"contract"`
	Alert     *models.ContractAlert `json:"alert"`
}

// WebhookContract identifies the contract in a payload
type WebhookContract struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

// WebhookResponse represents a webhook response
type WebhookResponse struct {
	StatusCode   int
	ResponseTime time.Duration
	Body         string
}

// NewWebhookSender creates a webhook sender
func NewWebhookSender(cfg config.NotificationConfig) *WebhookSender {
	return &WebhookSender{
		config:        cfg.Webhook,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		httpClient: &http.Client{
			Timeout: cfg.NotificationTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: utils.ComponentLogger("webhook_sender"),
	}
}

// HTTPClient exposes the client so transports can be swapped in tests
func (ws *WebhookSender) HTTPClient() *http.Client {
	return ws.httpClient
}

// Channel implements Sender
func (ws *WebhookSender) Channel() models.Channel {
	return models.ChannelWebhook
}

// Send posts the alert, retrying network failures and 5xx/429 responses
func (ws *WebhookSender) Send(ctx context.Context, msg *Message) error {
	url := msg.Rule.Notifications.WebhookURL
	if url == "" {
		url = ws.config.DefaultURL
	}
	if url == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Webhook URL is required", msg.Rule.ID)
	}

	payload, err := json.Marshal(ws.buildWebhookPayload(msg))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	logger := deliveryLogger(ws.logger, msg, models.ChannelWebhook).WithField("url", maskURL(url))

	attempts := 0
	operation := func() error {
		attempts++
		response, err := ws.sendSingleWebhook(ctx, url, payload)
		if err != nil {
			logger.WithFields(logrus.Fields{"attempt": attempts, "error": err}).Debug("Webhook attempt failed")
			return err
		}
		switch {
		case response.StatusCode >= 200 && response.StatusCode < 300:
			return nil
		case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
			logger.WithFields(logrus.Fields{"attempt": attempts, "status_code": response.StatusCode}).Debug("Webhook attempt failed")
			return fmt.Errorf("status %d: %s", response.StatusCode, response.Body)
		default:
			return backoff.Permanent(fmt.Errorf("status %d: %s", response.StatusCode, response.Body))
		}
	}

	if err := backoff.Retry(operation, ws.newBackOff(ctx)); err != nil {
		return utils.WrapError(utils.ErrCodeNotification,
			fmt.Sprintf("Webhook failed after %d attempts", attempts), err)
	}
	return nil
}

func (ws *WebhookSender) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if ws.retryDelay > 0 {
		b.InitialInterval = ws.retryDelay
	}
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	retries := ws.retryAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// sendSingleWebhook sends a single webhook request
func (ws *WebhookSender) sendSingleWebhook(ctx context.Context, url string, payload []byte) (*WebhookResponse, error) {
	start := time.Now()

	method := ws.config.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	ws.setRequestHeaders(req)

	resp, err := ws.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &WebhookResponse{
		StatusCode:   resp.StatusCode,
		ResponseTime: time.Since(start),
		Body:         string(body),
	}, nil
}

func (ws *WebhookSender) buildWebhookPayload(msg *Message) *WebhookPayload {
	return &WebhookPayload{
		Event:     "contract_alert",
		Timestamp: time.Now().UTC(),
		Source:    "contract-monitor",
		Type:      string(msg.Alert.AlertType),
		Version:   "1.0",
		Contract: WebhookContract{
			ID:      msg.Contract.ID,
			Name:    msg.Contract.Name,
			Address: msg.Contract.Address,
			Chain:   msg.Contract.Chain,
		},
		Alert: msg.Alert,
	}
}

// setRequestHeaders sets HTTP request headers
func (ws *WebhookSender) setRequestHeaders(req *http.Request) {
	for key, value := range ws.config.Headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Contract-Monitor/1.0")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Request-ID", utils.GenerateID())
}
