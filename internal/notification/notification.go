// File: internal/notification/notification.go
package notification

import (
	"context"
	"fmt"
	"math/big"

	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/rules"
)

// Sender delivers an alert over one channel. Send reports the outcome of a single
// delivery; it never retries an alert that was already delivered.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, msg *Message) error
}

// Message is everything a channel needs to render an alert
type Message struct {
	Alert    *models.ContractAlert
	Contract *models.MonitoredContract
	Rule     *models.MonitoringRule
}

// Subject is the one-line summary shared by all channels
func (m *Message) Subject() string {
	return fmt.Sprintf("[%s] %s: %s", severityLabel(m.Alert.Severity), m.Contract.Name, m.Alert.Title)
}

// Fields lists the alert details in display order
func (m *Message) Fields() [][2]string {
	fields := [][2]string{
		{"Contract", m.Contract.Name},
		{"Address", m.Contract.Address},
		{"Chain", m.Contract.Chain},
		{"Alert type", string(m.Alert.AlertType)},
		{"Severity", string(m.Alert.Severity)},
		{"Description", m.Alert.Description},
	}
	if m.Alert.TxHash != "" {
		fields = append(fields, [2]string{"Transaction", m.Alert.TxHash})
	}
	if m.Alert.BlockNumber != nil {
		fields = append(fields, [2]string{"Block", fmt.Sprintf("%d", *m.Alert.BlockNumber)})
	}
	if v, ok := m.Alert.Metadata["value"].(string); ok {
		if amount, ok := parseBaseUnits(v); ok {
			fields = append(fields, [2]string{"Value", rules.FormatNative(amount)})
		}
	}
	fields = append(fields, [2]string{"Time", m.Alert.Timestamp.UTC().Format("2006-01-02 15:04:05 MST")})
	return fields
}

func severityLabel(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "CRITICAL"
	case models.SeverityHigh:
		return "HIGH"
	case models.SeverityMedium:
		return "MEDIUM"
	}
	return "LOW"
}

func parseBaseUnits(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}
