package rules

import (
	"github.com/smartdevs17/contract-monitor/internal/config"
)

// Thresholds are the tunable constants behind the severity policies
type Thresholds struct {
	// value >= threshold * CriticalValueMultiplier escalates a large transaction to critical
	CriticalValueMultiplier int64
	// count >= threshold * UnusualHighMultiplier escalates unusual activity to high
	UnusualHighMultiplier int
	// gas threshold used when a gas_spike rule does not set one
	DefaultGasThreshold uint64
	// relative balance swing that triggers a balance alert
	BalanceChangeRatio float64
	// relative balance swing above which a balance alert is high instead of medium
	BalanceHighRatio float64
}

// DefaultThresholds returns the stock thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalValueMultiplier: 10,
		UnusualHighMultiplier:   2,
		DefaultGasThreshold:     500000,
		BalanceChangeRatio:      0.20,
		BalanceHighRatio:        0.50,
	}
}

// ThresholdsFromConfig overlays configured values on the defaults
func ThresholdsFromConfig(cfg config.RulesConfig) Thresholds {
	th := DefaultThresholds()
	if cfg.CriticalValueMultiplier > 0 {
		th.CriticalValueMultiplier = cfg.CriticalValueMultiplier
	}
	if cfg.UnusualHighMultiplier > 0 {
		th.UnusualHighMultiplier = cfg.UnusualHighMultiplier
	}
	if cfg.DefaultGasThreshold > 0 {
		th.DefaultGasThreshold = cfg.DefaultGasThreshold
	}
	if cfg.BalanceChangeRatio > 0 {
		th.BalanceChangeRatio = cfg.BalanceChangeRatio
	}
	if cfg.BalanceHighRatio > 0 {
		th.BalanceHighRatio = cfg.BalanceHighRatio
	}
	return th
}
