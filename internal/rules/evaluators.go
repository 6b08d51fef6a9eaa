package rules

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// EmergencyStopSelector is the 4-byte selector of emergencyStop()
var EmergencyStopSelector = utils.GetFunctionSelector("emergencyStop()")

func evaluateLargeTransaction(in *Input, env *Env) (*Candidate, error) {
	threshold, ok, err := bigIntParam(in.Rule.Conditions, CondValueThreshold)
	if err != nil {
		return nil, err
	}
	if !ok || threshold.Sign() == 0 {
		return nil, nil
	}

	value := in.Tx.Value()
	if value == nil || value.Cmp(threshold) < 0 {
		return nil, nil
	}

	severity := models.SeverityHigh
	critical := new(big.Int).Mul(threshold, big.NewInt(env.Thresholds.CriticalValueMultiplier))
	if value.Cmp(critical) >= 0 {
		severity = models.SeverityCritical
	}

	return &Candidate{
		Severity: severity,
		Title:    "Large transaction detected",
		Description: fmt.Sprintf("Transaction %s to %s moved %s (threshold %s)",
			in.Tx.Hash().Hex(), in.Contract.Name, FormatNative(value), FormatNative(threshold)),
		Metadata: map[string]interface{}{
			"value":     value.String(),
			"threshold": threshold.String(),
		},
	}, nil
}

func evaluateUnusualActivity(in *Input, env *Env) (*Candidate, error) {
	threshold, ok, err := uintParam(in.Rule.Conditions, CondThreshold)
	if err != nil || !ok || threshold == 0 {
		return nil, err
	}
	windowMinutes, ok, err := uintParam(in.Rule.Conditions, CondTimeWindow)
	if err != nil || !ok || windowMinutes == 0 {
		return nil, err
	}

	window := time.Duration(windowMinutes) * time.Minute
	since := in.Block.Time.Add(-window)
	var count uint64
	for _, at := range in.Activity {
		if at.After(since) && !at.After(in.Block.Time) {
			count++
		}
	}
	if count < threshold {
		return nil, nil
	}

	severity := models.SeverityMedium
	if count >= threshold*uint64(env.Thresholds.UnusualHighMultiplier) {
		severity = models.SeverityHigh
	}

	return &Candidate{
		Severity: severity,
		Title:    "Unusual transaction activity",
		Description: fmt.Sprintf("%d transactions to %s within %d minutes (threshold %d)",
			count, in.Contract.Name, windowMinutes, threshold),
		Metadata: map[string]interface{}{
			"count":       count,
			"threshold":   threshold,
			"time_window": windowMinutes,
		},
	}, nil
}

func evaluateSecurityBreach(in *Input, env *Env) (*Candidate, error) {
	if in.Receipt == nil || in.Receipt.Status != types.ReceiptStatusFailed {
		return nil, nil
	}

	return &Candidate{
		Severity:    models.SeverityMedium,
		Title:       "Transaction reverted",
		Description: fmt.Sprintf("Transaction %s to %s failed on chain", in.Tx.Hash().Hex(), in.Contract.Name),
		Metadata: map[string]interface{}{
			"gas_used": in.Receipt.GasUsed,
		},
	}, nil
}

func evaluateGasSpike(in *Input, env *Env) (*Candidate, error) {
	if in.Receipt == nil {
		return nil, nil
	}
	threshold, ok, err := uintParam(in.Rule.Conditions, CondThreshold)
	if err != nil {
		return nil, err
	}
	if !ok || threshold == 0 {
		threshold = env.Thresholds.DefaultGasThreshold
	}
	if in.Receipt.GasUsed <= threshold {
		return nil, nil
	}

	return &Candidate{
		Severity: models.SeverityLow,
		Title:    "Gas usage spike",
		Description: fmt.Sprintf("Transaction %s used %d gas (threshold %d)",
			in.Tx.Hash().Hex(), in.Receipt.GasUsed, threshold),
		Metadata: map[string]interface{}{
			"gas_used":  in.Receipt.GasUsed,
			"threshold": threshold,
		},
	}, nil
}

// evaluateEventRule serves every rule type driven by the signature table
func evaluateEventRule(in *Input, env *Env) (*Candidate, error) {
	if in.Receipt == nil {
		return nil, nil
	}
	match, ok := env.Signatures.Match(in.Receipt.Logs, in.Rule.RuleType)
	if !ok {
		return nil, nil
	}

	return &Candidate{
		Severity: match.Detector.Severity,
		Title:    match.Detector.Title,
		Description: fmt.Sprintf("%s emitted %s in transaction %s",
			in.Contract.Name, match.Detector.Event, in.Tx.Hash().Hex()),
		Metadata: map[string]interface{}{
			"event":     match.Detector.Event,
			"topic":     match.Topic.Hex(),
			"log_index": match.Log.Index,
			"emitter":   match.Log.Address.Hex(),
		},
		Log: match.Log,
	}, nil
}

func evaluateEmergencyStop(in *Input, env *Env) (*Candidate, error) {
	selector, ok, err := selectorParam(in.Rule.Conditions, CondFunctionSelector)
	if err != nil {
		return nil, err
	}
	if !ok {
		selector = EmergencyStopSelector
	}

	data := in.Tx.Data()
	if len(data) < 4 || !bytes.Equal(data[:4], selector[:]) {
		return nil, nil
	}

	return &Candidate{
		Severity:    models.SeverityCritical,
		Title:       "Emergency stop invoked",
		Description: fmt.Sprintf("Transaction %s called the emergency stop of %s", in.Tx.Hash().Hex(), in.Contract.Name),
		Metadata: map[string]interface{}{
			"selector": fmt.Sprintf("0x%x", selector[:]),
		},
	}, nil
}

// FormatNative renders an amount of base units (18 decimals) as a native token amount
func FormatNative(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -18).String()
}
