package models

import (
	"time"
)

// Channel identifies a notification transport
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelInApp   Channel = "in_app"
)

// DispatchStatus is the outcome of one channel delivery
type DispatchStatus string

const (
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed"
	DispatchSkipped   DispatchStatus = "skipped"
)

// DispatchRecord tracks delivery of one alert over one channel
type DispatchRecord struct {
	ID        string         `json:"id" db:"id"`
	AlertID   string         `json:"alert_id" db:"alert_id"`
	RuleID    string         `json:"rule_id" db:"rule_id"`
	Channel   Channel        `json:"channel" db:"channel"`
	Attempts  int            `json:"attempts" db:"attempts"`
	Status    DispatchStatus `json:"status" db:"status"`
	Error     string         `json:"error,omitempty" db:"error"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// InAppNotification is an alert surfaced inside the product for its owner
type InAppNotification struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	AlertID    string    `json:"alert_id" db:"alert_id"`
	ContractID string    `json:"contract_id" db:"contract_id"`
	Severity   Severity  `json:"severity" db:"severity"`
	Title      string    `json:"title" db:"title"`
	Message    string    `json:"message" db:"message"`
	Read       bool      `json:"read" db:"read"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
