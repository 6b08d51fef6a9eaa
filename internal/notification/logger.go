// File: internal/notification/logger.go
package notification

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/models"
)

// deliveryLogger attaches alert context to every delivery log line
func deliveryLogger(base *logrus.Entry, msg *Message, channel models.Channel) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"alert_id":    msg.Alert.ID,
		"rule_id":     msg.Alert.RuleID,
		"contract_id": msg.Alert.ContractID,
		"channel":     string(channel),
	})
}

func logDeliveryResult(logger *logrus.Entry, attempts int, duration time.Duration, err error) {
	fields := logrus.Fields{
		"attempts":    attempts,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WithFields(fields).Error("Notification delivery failed")
		return
	}
	logger.WithFields(fields).Debug("Notification delivered")
}

// maskRecipients keeps addresses out of logs
func maskRecipients(recipients []string) []string {
	masked := make([]string, len(recipients))
	for i, r := range recipients {
		at := strings.IndexByte(r, '@')
		if at <= 1 {
			masked[i] = "***"
			continue
		}
		masked[i] = r[:1] + "***" + r[at:]
	}
	return masked
}

// maskURL keeps webhook paths, which often embed secrets, out of logs
func maskURL(raw string) string {
	scheme := strings.Index(raw, "://")
	if scheme < 0 {
		return "***"
	}
	rest := raw[scheme+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return raw[:scheme+3] + rest[:slash] + "/***"
	}
	return raw
}
