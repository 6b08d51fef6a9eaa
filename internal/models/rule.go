package models

import (
	"time"
)

// RuleType enumerates the supported alert types
type RuleType string

const (
	RuleLargeTransaction RuleType = "large_transaction"
	RuleUnusualActivity  RuleType = "unusual_activity"
	RuleSecurityBreach   RuleType = "security_breach"
	RuleGasSpike         RuleType = "gas_spike"
	RuleOwnershipChange  RuleType = "ownership_change"
	RuleUpgradeDetected  RuleType = "upgrade_detected"
	RulePauseUnpause     RuleType = "pause_unpause"
	RuleEmergencyStop    RuleType = "emergency_stop"
)

// AllRuleTypes lists every rule type in evaluation order
var AllRuleTypes = []RuleType{
	RuleLargeTransaction,
	RuleUnusualActivity,
	RuleSecurityBreach,
	RuleGasSpike,
	RuleOwnershipChange,
	RuleUpgradeDetected,
	RulePauseUnpause,
	RuleEmergencyStop,
}

// Valid reports whether t is a known rule type
func (t RuleType) Valid() bool {
	for _, known := range AllRuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Conditions is the type-specific parameter bag of a rule
type Conditions map[string]interface{}

// NotificationSettings selects the channels a rule notifies on
type NotificationSettings struct {
	Email           bool     `json:"email"`
	Webhook         bool     `json:"webhook"`
	InApp           bool     `json:"in_app"`
	EmailRecipients []string `json:"email_recipients,omitempty"`
	WebhookURL      string   `json:"webhook_url,omitempty"`
}

// Channels returns the enabled channels in dispatch order
func (n NotificationSettings) Channels() []Channel {
	var channels []Channel
	if n.Email {
		channels = append(channels, ChannelEmail)
	}
	if n.Webhook {
		channels = append(channels, ChannelWebhook)
	}
	if n.InApp {
		channels = append(channels, ChannelInApp)
	}
	return channels
}

// MonitoringRule is a user-configured condition on one contract
type MonitoringRule struct {
	ID              string               `json:"id" db:"id"`
	ContractID      string               `json:"contract_id" db:"contract_id"`
	RuleType        RuleType             `json:"rule_type" db:"rule_type"`
	Conditions      Conditions           `json:"conditions" db:"conditions"`
	IsActive        bool                 `json:"is_active" db:"is_active"`
	Notifications   NotificationSettings `json:"notifications" db:"notifications"`
	AlertsSentToday int                  `json:"alerts_sent_today" db:"alerts_sent_today"`
	LastAlertAt     *time.Time           `json:"last_alert_at,omitempty" db:"last_alert_at"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at" db:"updated_at"`
}
