package rules

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// Detector describes what a matching event topic means
type Detector struct {
	Event    string
	RuleType models.RuleType
	Severity models.Severity
	Title    string
}

// Match is the first log of a receipt recognised by a detector
type Match struct {
	Detector Detector
	Topic    common.Hash
	Log      *types.Log
}

// SignatureTable maps canonical event signature hashes to detectors.
// Populate it before sharing; lookups are read-only afterwards.
type SignatureTable struct {
	entries map[common.Hash]Detector
}

// NewSignatureTable creates an empty table
func NewSignatureTable() *SignatureTable {
	return &SignatureTable{entries: make(map[common.Hash]Detector)}
}

// DefaultSignatures returns the table of governance events watched out of the box
func DefaultSignatures() *SignatureTable {
	t := NewSignatureTable()
	t.Register(Detector{
		Event:    "OwnershipTransferred(address,address)",
		RuleType: models.RuleOwnershipChange,
		Severity: models.SeverityCritical,
		Title:    "Contract ownership transferred",
	})
	t.Register(Detector{
		Event:    "Upgraded(address)",
		RuleType: models.RuleUpgradeDetected,
		Severity: models.SeverityHigh,
		Title:    "Proxy implementation upgraded",
	})
	t.Register(Detector{
		Event:    "Paused(address)",
		RuleType: models.RulePauseUnpause,
		Severity: models.SeverityHigh,
		Title:    "Contract paused",
	})
	t.Register(Detector{
		Event:    "Unpaused(address)",
		RuleType: models.RulePauseUnpause,
		Severity: models.SeverityMedium,
		Title:    "Contract unpaused",
	})
	return t
}

// Register adds a detector keyed by the keccak256 hash of its event signature
func (t *SignatureTable) Register(d Detector) common.Hash {
	topic := utils.GetEventSignature(d.Event)
	t.entries[topic] = d
	return topic
}

// Lookup returns the detector of topic
func (t *SignatureTable) Lookup(topic common.Hash) (Detector, bool) {
	d, ok := t.entries[topic]
	return d, ok
}

// Match scans every topic of every log and returns the first detector of ruleType
func (t *SignatureTable) Match(logs []*types.Log, ruleType models.RuleType) (*Match, bool) {
	for _, log := range logs {
		if log == nil {
			continue
		}
		for _, topic := range log.Topics {
			d, ok := t.entries[topic]
			if ok && d.RuleType == ruleType {
				return &Match{Detector: d, Topic: topic, Log: log}, true
			}
		}
	}
	return nil, false
}
