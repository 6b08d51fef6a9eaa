package rules

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/smartdevs17/contract-monitor/internal/models"
)

// Condition keys understood by the evaluators
const (
	CondValueThreshold       = "valueThreshold"
	CondThreshold            = "threshold"
	CondTimeWindow           = "timeWindow"
	CondFunctionSelector     = "functionSelector"
	CondSeverity             = "severity"
	CondBalanceChangePercent = "balanceChangePercent"
)

// bigIntParam reads a non-negative integer in base units; ok is false when key is absent
func bigIntParam(c models.Conditions, key string) (value *big.Int, ok bool, err error) {
	raw, present := c[key]
	if !present || raw == nil {
		return nil, false, nil
	}

	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		value = new(big.Int)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			_, ok = value.SetString(s[2:], 16)
		} else {
			_, ok = value.SetString(s, 10)
		}
		if !ok {
			return nil, false, fmt.Errorf("%s: %q is not an integer", key, v)
		}
	case json.Number:
		value, ok = new(big.Int).SetString(v.String(), 10)
		if !ok {
			return nil, false, fmt.Errorf("%s: %q is not an integer", key, v)
		}
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return nil, false, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		value, _ = new(big.Float).SetFloat64(v).Int(nil)
	case int:
		value = big.NewInt(int64(v))
	case int64:
		value = big.NewInt(v)
	case uint64:
		value = new(big.Int).SetUint64(v)
	default:
		return nil, false, fmt.Errorf("%s: unsupported type %T", key, raw)
	}

	if value.Sign() < 0 {
		return nil, false, fmt.Errorf("%s: must not be negative", key)
	}
	return value, true, nil
}

// uintParam reads a non-negative integer that fits in 64 bits
func uintParam(c models.Conditions, key string) (uint64, bool, error) {
	value, ok, err := bigIntParam(c, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if !value.IsUint64() {
		return 0, false, fmt.Errorf("%s: %s is out of range", key, value)
	}
	return value.Uint64(), true, nil
}

// floatParam reads a number
func floatParam(c models.Conditions, key string) (float64, bool, error) {
	raw, present := c[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %q is not a number", key, v)
		}
		return f, true, nil
	}
	return 0, false, fmt.Errorf("%s: unsupported type %T", key, raw)
}

// selectorParam reads a 4-byte function selector given as hex
func selectorParam(c models.Conditions, key string) ([4]byte, bool, error) {
	var selector [4]byte
	raw, present := c[key]
	if !present || raw == nil {
		return selector, false, nil
	}
	s, isString := raw.(string)
	if !isString {
		return selector, false, fmt.Errorf("%s: unsupported type %T", key, raw)
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil || len(decoded) != 4 {
		return selector, false, fmt.Errorf("%s: %q is not a 4-byte selector", key, s)
	}
	copy(selector[:], decoded)
	return selector, true, nil
}

// severityParam reads an explicit severity override
func severityParam(c models.Conditions) (models.Severity, bool, error) {
	raw, present := c[CondSeverity]
	if !present || raw == nil {
		return "", false, nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", false, fmt.Errorf("%s: unsupported type %T", CondSeverity, raw)
	}
	severity := models.Severity(strings.ToLower(strings.TrimSpace(s)))
	if severity.Rank() == 0 {
		return "", false, fmt.Errorf("%s: unknown severity %q", CondSeverity, s)
	}
	return severity, true, nil
}

// ActivityWindow returns the timeWindow of an unusual_activity rule, or 0 when it is unset or malformed
func ActivityWindow(rule *models.MonitoringRule) time.Duration {
	if rule == nil || rule.RuleType != models.RuleUnusualActivity {
		return 0
	}
	minutes, ok, err := uintParam(rule.Conditions, CondTimeWindow)
	if err != nil || !ok {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}
