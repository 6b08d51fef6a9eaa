package rules

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-monitor/internal/models"
)

func TestEvaluateBalanceChange(t *testing.T) {
	tests := []struct {
		name      string
		prev, cur *big.Int
		triggered bool
		severity  models.Severity
	}{
		{"drop to 55 is high", ether(100), ether(55), true, models.SeverityHigh},
		{"drop to 85 is quiet", ether(100), ether(85), false, ""},
		// the ratio is taken against the smaller balance, so an exact 20% drop already exceeds it
		{"drop to 80 is medium", ether(100), ether(80), true, models.SeverityMedium},
		{"rise to 120 is quiet", ether(100), ether(120), false, ""},
		{"rise to 130 is medium", ether(100), ether(130), true, models.SeverityMedium},
		{"rise to 200 is high", ether(100), ether(200), true, models.SeverityHigh},
		{"unchanged", ether(100), ether(100), false, ""},
		{"drained", ether(100), big.NewInt(0), true, models.SeverityHigh},
		{"funded from zero", big.NewInt(0), ether(1), true, models.SeverityHigh},
		{"still empty", big.NewInt(0), big.NewInt(0), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, err := EvaluateBalanceChange(tt.prev, tt.cur, nil, DefaultThresholds())
			require.NoError(t, err)
			assert.Equal(t, tt.triggered, change.Triggered)
			if tt.triggered {
				assert.Equal(t, tt.severity, change.Severity)
			}
		})
	}
}

func TestBalanceChangePercentCondition(t *testing.T) {
	rule := testRule(models.RuleUnusualActivity, models.Conditions{CondBalanceChangePercent: 10.0})

	change, err := EvaluateBalanceChange(ether(100), ether(85), rule, DefaultThresholds())
	require.NoError(t, err)
	assert.True(t, change.Triggered)
	assert.Equal(t, models.SeverityMedium, change.Severity)

	rule.Conditions[CondBalanceChangePercent] = "abc"
	_, err = EvaluateBalanceChange(ether(100), ether(85), rule, DefaultThresholds())
	assert.Error(t, err)
}

func TestBalanceCandidate(t *testing.T) {
	rule := testRule(models.RuleUnusualActivity, nil)
	change, err := EvaluateBalanceChange(ether(100), ether(55), rule, DefaultThresholds())
	require.NoError(t, err)

	observed := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	candidate := BalanceCandidate(testContract(), rule, change, observed, time.Minute)

	assert.Equal(t, models.RuleUnusualActivity, candidate.AlertType)
	assert.Equal(t, models.SeverityHigh, candidate.Severity)
	assert.Equal(t, rule.ID, candidate.RuleID)
	assert.Empty(t, candidate.TxHash)
	assert.Nil(t, candidate.BlockNumber)
	assert.Equal(t, BalanceDedupKey(observed, time.Minute), candidate.DedupKey)
	assert.Contains(t, candidate.Description, "decreased from 100 to 55")
	assert.Contains(t, candidate.Description, "-45.00%")
}
