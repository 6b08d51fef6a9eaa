package rules

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smartdevs17/contract-monitor/internal/models"
)

// BalanceChange is the outcome of comparing two balance observations
type BalanceChange struct {
	Previous *big.Int
	Current  *big.Int
	// Ratio is |current - previous| relative to the smaller of the two; Unbounded when that is zero
	Ratio     decimal.Decimal
	Unbounded bool
	Triggered bool
	Severity  models.Severity
}

// PercentOfPrevious is the signed change relative to the previous balance, in percent
func (c *BalanceChange) PercentOfPrevious() decimal.Decimal {
	if c.Previous == nil || c.Previous.Sign() == 0 {
		return decimal.Zero
	}
	prev := decimal.NewFromBigInt(c.Previous, 0)
	cur := decimal.NewFromBigInt(c.Current, 0)
	return cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100))
}

// EvaluateBalanceChange applies the balance swing policy. A rule may lower or raise the trigger
// with balanceChangePercent; rule may be nil.
func EvaluateBalanceChange(prev, cur *big.Int, rule *models.MonitoringRule, th Thresholds) (*BalanceChange, error) {
	if prev == nil || cur == nil {
		return nil, fmt.Errorf("balance observation missing")
	}

	trigger := decimal.NewFromFloat(th.BalanceChangeRatio)
	if rule != nil {
		percent, ok, err := floatParam(rule.Conditions, CondBalanceChangePercent)
		if err != nil {
			return nil, err
		}
		if ok {
			if percent <= 0 {
				return nil, fmt.Errorf("%s: must be positive", CondBalanceChangePercent)
			}
			trigger = decimal.NewFromFloat(percent).Div(decimal.NewFromInt(100))
		}
	}

	change := &BalanceChange{Previous: prev, Current: cur, Ratio: decimal.Zero}

	diff := new(big.Int).Sub(cur, prev)
	if diff.Sign() == 0 {
		return change, nil
	}
	diff.Abs(diff)

	low := prev
	if cur.Cmp(prev) < 0 {
		low = cur
	}
	if low.Sign() == 0 {
		change.Unbounded = true
		change.Triggered = true
		change.Severity = models.SeverityHigh
		return change, nil
	}

	change.Ratio = decimal.NewFromBigInt(diff, 0).Div(decimal.NewFromBigInt(low, 0))
	if !change.Ratio.GreaterThan(trigger) {
		return change, nil
	}

	change.Triggered = true
	change.Severity = models.SeverityMedium
	if change.Ratio.GreaterThan(decimal.NewFromFloat(th.BalanceHighRatio)) {
		change.Severity = models.SeverityHigh
	}
	return change, nil
}

// BalanceCandidate builds the unusual_activity alert for a triggered balance change
func BalanceCandidate(contract *models.MonitoredContract, rule *models.MonitoringRule, change *BalanceChange, observedAt time.Time, bucket time.Duration) *Candidate {
	direction := "increased"
	if change.Current.Cmp(change.Previous) < 0 {
		direction = "decreased"
	}

	description := fmt.Sprintf("Balance of %s %s from %s to %s",
		contract.Name, direction, FormatNative(change.Previous), FormatNative(change.Current))
	if !change.Unbounded {
		description += fmt.Sprintf(" (%s%%)", change.PercentOfPrevious().StringFixed(2))
	}

	severity := change.Severity
	if override, ok, err := severityParam(rule.Conditions); err == nil && ok {
		severity = override
	}

	return &Candidate{
		ContractID:  contract.ID,
		RuleID:      rule.ID,
		AlertType:   models.RuleUnusualActivity,
		Severity:    severity,
		Title:       "Significant balance change",
		Description: description,
		Timestamp:   observedAt,
		DedupKey:    BalanceDedupKey(observedAt, bucket),
		Metadata: map[string]interface{}{
			"previous_balance": change.Previous.String(),
			"current_balance":  change.Current.String(),
			"change_ratio":     change.Ratio.StringFixed(4),
			"chain":            contract.Chain,
		},
	}
}
