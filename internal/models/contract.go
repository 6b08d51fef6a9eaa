package models

import (
	"time"
)

// ContractStatus is the supervisor-visible monitoring state of a contract
type ContractStatus string

const (
	ContractStatusStopped  ContractStatus = "stopped"
	ContractStatusStarting ContractStatus = "starting"
	ContractStatusRunning  ContractStatus = "running"
	ContractStatusError    ContractStatus = "error"
)

// MonitoredContract represents a deployed smart contract being watched
type MonitoredContract struct {
	ID               string         `json:"id" db:"id"`
	Address          string         `json:"address" db:"address"`
	Chain            string         `json:"chain" db:"chain"`
	UserID           string         `json:"user_id" db:"user_id"`
	Name             string         `json:"name" db:"name"`
	ABI              string         `json:"abi,omitempty" db:"abi"`
	IsActive         bool           `json:"is_active" db:"is_active"`
	MaxAlertsPerHour int            `json:"max_alerts_per_hour" db:"max_alerts_per_hour"`
	Status           ContractStatus `json:"status" db:"status"`
	StatusReason     string         `json:"status_reason,omitempty" db:"status_reason"`
	LastChecked      *time.Time     `json:"last_checked,omitempty" db:"last_checked"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// RateLimited reports whether the contract caps outbound notifications
func (c *MonitoredContract) RateLimited() bool {
	return c.MaxAlertsPerHour > 0
}

// BalanceSnapshot is one recorded native balance observation
type BalanceSnapshot struct {
	ContractID string    `json:"contract_id" db:"contract_id"`
	Balance    string    `json:"balance" db:"balance"` // base units, decimal string
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
}
