package rules

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// BlockContext identifies the block a transaction was included in
type BlockContext struct {
	Number uint64
	Hash   common.Hash
	Time   time.Time
}

// Input is everything an evaluator may look at. Receipt is nil when it could not be fetched.
type Input struct {
	Contract *models.MonitoredContract
	Rule     *models.MonitoringRule
	Tx       *types.Transaction
	Receipt  *types.Receipt
	Block    BlockContext
	// Activity holds the inclusion times of contract-touching transactions seen so far, Tx included
	Activity []time.Time
}

// Candidate is a raw alert produced by an evaluator, before deduplication and persistence
type Candidate struct {
	ContractID  string
	RuleID      string
	AlertType   models.RuleType
	Severity    models.Severity
	Title       string
	Description string
	TxHash      string
	BlockNumber *uint64
	Timestamp   time.Time
	DedupKey    string
	Metadata    map[string]interface{}
	// Log is the receipt log that triggered an event-based rule
	Log *types.Log
}

// Env carries the read-only configuration evaluators depend on
type Env struct {
	Thresholds Thresholds
	Signatures *SignatureTable
}

// Evaluator returns at most one candidate; a nil candidate with nil error means the rule did not fire
type Evaluator func(in *Input, env *Env) (*Candidate, error)

// Engine dispatches a rule to the evaluator of its type
type Engine struct {
	env        Env
	evaluators map[models.RuleType]Evaluator
}

// NewEngine creates an engine with the built-in evaluators
func NewEngine(thresholds Thresholds, signatures *SignatureTable) *Engine {
	if signatures == nil {
		signatures = DefaultSignatures()
	}
	return &Engine{
		env: Env{Thresholds: thresholds, Signatures: signatures},
		evaluators: map[models.RuleType]Evaluator{
			models.RuleLargeTransaction: evaluateLargeTransaction,
			models.RuleUnusualActivity:  evaluateUnusualActivity,
			models.RuleSecurityBreach:   evaluateSecurityBreach,
			models.RuleGasSpike:         evaluateGasSpike,
			models.RuleOwnershipChange:  evaluateEventRule,
			models.RuleUpgradeDetected:  evaluateEventRule,
			models.RulePauseUnpause:     evaluateEventRule,
			models.RuleEmergencyStop:    evaluateEmergencyStop,
		},
	}
}

// Thresholds returns the thresholds the engine evaluates with
func (e *Engine) Thresholds() Thresholds {
	return e.env.Thresholds
}

// Evaluate runs the evaluator of in.Rule. Malformed conditions and evaluator panics
// come back as EVALUATION_ERROR; they never escape as panics.
func (e *Engine) Evaluate(in *Input) (candidate *Candidate, err error) {
	if in == nil || in.Rule == nil || in.Contract == nil || in.Tx == nil {
		return nil, utils.NewAppError(utils.ErrCodeEvaluation, "Incomplete evaluation input", "")
	}

	evaluate, ok := e.evaluators[in.Rule.RuleType]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeEvaluation, "Unknown rule type", string(in.Rule.RuleType))
	}

	defer func() {
		if r := recover(); r != nil {
			candidate = nil
			err = utils.NewAppError(utils.ErrCodeEvaluation,
				fmt.Sprintf("Evaluator for %s panicked", in.Rule.RuleType),
				fmt.Sprintf("%v\n%s", r, debug.Stack()))
		}
	}()

	candidate, err = evaluate(in, &e.env)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeEvaluation,
			fmt.Sprintf("Rule %s (%s) failed", in.Rule.ID, in.Rule.RuleType), err)
	}
	if candidate == nil {
		return nil, nil
	}

	if severity, overridden, err := severityParam(in.Rule.Conditions); err != nil {
		return nil, utils.WrapError(utils.ErrCodeEvaluation,
			fmt.Sprintf("Rule %s (%s) failed", in.Rule.ID, in.Rule.RuleType), err)
	} else if overridden {
		candidate.Severity = severity
	}

	block := in.Block.Number
	candidate.ContractID = in.Contract.ID
	candidate.RuleID = in.Rule.ID
	candidate.AlertType = in.Rule.RuleType
	candidate.TxHash = in.Tx.Hash().Hex()
	candidate.BlockNumber = &block
	candidate.Timestamp = in.Block.Time
	candidate.DedupKey = TxDedupKey(candidate.TxHash)
	if candidate.Metadata == nil {
		candidate.Metadata = make(map[string]interface{})
	}
	candidate.Metadata["block_hash"] = in.Block.Hash.Hex()
	candidate.Metadata["chain"] = in.Contract.Chain

	return candidate, nil
}

// TxDedupKey is the deduplication key of a transaction-triggered alert
func TxDedupKey(txHash string) string {
	return "tx:" + strings.ToLower(txHash)
}

// BalanceDedupKey is the deduplication key of a balance alert observed in the bucket containing at
func BalanceDedupKey(at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	return fmt.Sprintf("balance:%d", at.UTC().Truncate(bucket).Unix())
}
