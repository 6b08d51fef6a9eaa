package models

import (
	"time"
)

// Severity of an alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown values rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ContractAlert is the immutable record of a satisfied rule
type ContractAlert struct {
	ID           string                 `json:"id" db:"id"`
	ContractID   string                 `json:"contract_id" db:"contract_id"`
	RuleID       string                 `json:"rule_id" db:"rule_id"`
	AlertType    RuleType               `json:"alert_type" db:"alert_type"`
	Severity     Severity               `json:"severity" db:"severity"`
	Title        string                 `json:"title" db:"title"`
	Description  string                 `json:"description" db:"description"`
	TxHash       string                 `json:"tx_hash,omitempty" db:"tx_hash"`
	BlockNumber  *uint64                `json:"block_number,omitempty" db:"block_number"`
	DedupKey     string                 `json:"-" db:"dedup_key"`
	Timestamp    time.Time              `json:"timestamp" db:"timestamp"`
	Acknowledged bool                   `json:"acknowledged" db:"acknowledged"`
	Dispatched   bool                   `json:"dispatched" db:"dispatched"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}
