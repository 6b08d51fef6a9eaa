package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

const ownableABI = `[{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"address","name":"previousOwner","type":"address"},
	{"indexed":true,"internalType":"address","name":"newOwner","type":"address"}],
	"name":"OwnershipTransferred","type":"event"}]`

func TestWatcherProcessBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("large transaction raises one alert", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})

		chain := newFakeChain()
		tx := newTx(vaultAddr, ether(50), nil)
		chain.addBlock(2, newTx(otherAddr, ether(500), nil), tx)

		w := newTestWatcher(t, store, chain, contract)
		result, err := w.ProcessBlock(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, result.TxMatched)
		assert.Equal(t, 1, result.Candidates)
		assert.Equal(t, 1, result.AlertsCreated)
		assert.Zero(t, result.RuleErrors)

		alerts := alertsFor(t, store, contract.ID)
		require.Len(t, alerts, 1)
		alert := alerts[0]
		assert.Equal(t, models.RuleLargeTransaction, alert.AlertType)
		assert.Equal(t, models.SeverityHigh, alert.Severity)
		assert.Equal(t, tx.Hash().Hex(), alert.TxHash)
		require.NotNil(t, alert.BlockNumber)
		assert.Equal(t, uint64(2), *alert.BlockNumber)
		assert.True(t, genesis.Add(24*time.Second).Equal(alert.Timestamp))
	})

	t.Run("reprocessing a block after restart is idempotent", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})

		chain := newFakeChain()
		chain.addBlock(7, newTx(vaultAddr, ether(11), nil))

		first, err := newTestWatcher(t, store, chain, contract).ProcessBlock(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 1, first.AlertsCreated)

		second, err := newTestWatcher(t, store, chain, contract).ProcessBlock(ctx, 7)
		require.NoError(t, err)
		assert.Zero(t, second.AlertsCreated)
		assert.Equal(t, 1, second.Duplicates)

		assert.Len(t, alertsFor(t, store, contract.ID), 1)
	})

	t.Run("a failing rule does not hide other alerts", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: "lots",
		})
		seedRule(t, store, contract.ID, models.RuleEmergencyStop, models.Conditions{
			rules.CondFunctionSelector: "0xdeadbeef",
		})

		chain := newFakeChain()
		chain.addBlock(3, newTx(vaultAddr, ether(1), []byte{0xde, 0xad, 0xbe, 0xef, 0x01}))

		result, err := newTestWatcher(t, store, chain, contract).ProcessBlock(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, result.RuleErrors)
		assert.Equal(t, 1, result.AlertsCreated)

		alerts := alertsFor(t, store, contract.ID)
		require.Len(t, alerts, 1)
		assert.Equal(t, models.RuleEmergencyStop, alerts[0].AlertType)
		assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	})

	t.Run("ownership change is decoded with the contract ABI", func(t *testing.T) {
		store := newTestStore(t)
		contract := &models.MonitoredContract{
			Address:  vaultAddr.Hex(),
			Chain:    "ethereum",
			UserID:   "user-1",
			Name:     "Vault",
			ABI:      ownableABI,
			IsActive: true,
		}
		require.NoError(t, store.CreateContract(ctx, contract))
		seedRule(t, store, contract.ID, models.RuleOwnershipChange, nil)

		previous := common.HexToAddress("0x00000000000000000000000000000000000000a1")
		next := common.HexToAddress("0x00000000000000000000000000000000000000b2")
		tx := newTx(vaultAddr, nil, nil)
		chain := newFakeChain()
		chain.addBlock(4, tx)
		chain.setReceipt(&types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			TxHash: tx.Hash(),
			Logs: []*types.Log{{
				Address: vaultAddr,
				Topics: []common.Hash{
					utils.GetEventSignature("OwnershipTransferred(address,address)"),
					common.BytesToHash(previous.Bytes()),
					common.BytesToHash(next.Bytes()),
				},
			}},
		})

		result, err := newTestWatcher(t, store, chain, contract).ProcessBlock(ctx, 4)
		require.NoError(t, err)
		require.Equal(t, 1, result.AlertsCreated)

		alerts := alertsFor(t, store, contract.ID)
		require.Len(t, alerts, 1)
		assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
		assert.Equal(t, "OwnershipTransferred", alerts[0].Metadata["decoded_event"])
		args, ok := alerts[0].Metadata["event_args"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, previous.Hex(), args["previousOwner"])
		assert.Equal(t, next.Hex(), args["newOwner"])
	})

	t.Run("pending receipt still evaluates transaction rules", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})
		seedRule(t, store, contract.ID, models.RulePauseUnpause, nil)

		tx := newTx(vaultAddr, ether(100), nil)
		chain := newFakeChain()
		chain.addBlock(5, tx)
		chain.dropReceipt(tx.Hash())

		result, err := newTestWatcher(t, store, chain, contract).ProcessBlock(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, result.AlertsCreated)
		assert.Equal(t, models.SeverityCritical, alertsFor(t, store, contract.ID)[0].Severity)
	})

	t.Run("failed receipt does not hide other transactions", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})

		broken := newTx(vaultAddr, ether(1), nil)
		large := newTx(vaultAddr, ether(50), nil)
		chain := newFakeChain()
		chain.addBlock(2, broken, large)
		chain.failReceipt(broken.Hash(), utils.NewAppError(utils.ErrCodeChainUnavailable, "receipt rpc down", ""))

		result, err := newTestWatcher(t, store, chain, contract).ProcessBlock(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, result.TxMatched)
		assert.Equal(t, 1, result.ReceiptErrors)
		assert.Equal(t, 1, result.AlertsCreated)

		alerts := alertsFor(t, store, contract.ID)
		require.Len(t, alerts, 1)
		assert.Equal(t, large.Hash().Hex(), alerts[0].TxHash)
	})

	t.Run("failed receipt still evaluates value rules", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})
		seedRule(t, store, contract.ID, models.RuleSecurityBreach, nil)

		tx := newTx(vaultAddr, ether(20), nil)
		chain := newFakeChain()
		chain.addBlock(3, tx)
		chain.failReceipt(tx.Hash(), utils.NewAppError(utils.ErrCodeChainUnavailable, "receipt rpc down", ""))

		result, err := newTestWatcher(t, store, chain, contract).ProcessBlock(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, result.AlertsCreated)
		assert.Equal(t, 0, result.RuleErrors)
		assert.Equal(t, models.RuleLargeTransaction, alertsFor(t, store, contract.ID)[0].AlertType)
	})

	t.Run("missing block is an error", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)

		_, err := newTestWatcher(t, store, newFakeChain(), contract).ProcessBlock(ctx, 9)
		assert.True(t, errors.Is(err, utils.ErrBlockNotFound))
	})
}

func TestWatcherCatchUp(t *testing.T) {
	ctx := context.Background()

	t.Run("first run starts at the confirmed head", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()
		for n := uint64(1); n <= 10; n++ {
			chain.addBlock(n)
		}

		cfg := testMonitorConfig()
		cfg.ConfirmationBlocks = 2
		w := NewWatcher(contract, chain, store, rules.NewEngine(rules.DefaultThresholds(), nil), newTestPipeline(store), cfg, nil)

		require.NoError(t, w.CatchUp(ctx, 10))
		assert.Equal(t, []uint64{8}, chain.processed())

		cursor, ok := w.Cursor()
		require.True(t, ok)
		assert.Equal(t, uint64(8), cursor)

		stored, ok, err := store.GetLastProcessedBlock(ctx, contract.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(8), stored)

		require.NoError(t, w.CatchUp(ctx, 12))
		assert.Equal(t, []uint64{8, 9, 10}, chain.processed())
	})

	t.Run("heads below the confirmation depth are ignored", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()

		cfg := testMonitorConfig()
		cfg.ConfirmationBlocks = 6
		w := NewWatcher(contract, chain, store, rules.NewEngine(rules.DefaultThresholds(), nil), newTestPipeline(store), cfg, nil)

		require.NoError(t, w.CatchUp(ctx, 5))
		assert.Empty(t, chain.processed())
	})

	t.Run("resumes from the persisted cursor", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		require.NoError(t, store.SetLastProcessedBlock(ctx, contract.ID, 3))

		chain := newFakeChain()
		for n := uint64(1); n <= 6; n++ {
			chain.addBlock(n)
		}

		w := newTestWatcher(t, store, chain, contract)
		require.NoError(t, w.CatchUp(ctx, 6))
		assert.Equal(t, []uint64{4, 5, 6}, chain.processed())
	})

	t.Run("cursor too far behind resumes at head", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		require.NoError(t, store.SetLastProcessedBlock(ctx, contract.ID, 1))

		chain := newFakeChain()
		chain.addBlock(500)

		w := newTestWatcher(t, store, chain, contract)
		require.NoError(t, w.CatchUp(ctx, 500))
		assert.Equal(t, []uint64{500}, chain.processed())
	})

	t.Run("failed block is retried on the next head", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})
		require.NoError(t, store.SetLastProcessedBlock(ctx, contract.ID, 1))

		chain := newFakeChain()
		chain.addBlock(2)

		w := newTestWatcher(t, store, chain, contract)
		require.Error(t, w.CatchUp(ctx, 4))

		cursor, _ := w.Cursor()
		assert.Equal(t, uint64(2), cursor)

		chain.addBlock(3, newTx(vaultAddr, ether(20), nil))
		chain.addBlock(4)
		require.NoError(t, w.CatchUp(ctx, 4))

		cursor, _ = w.Cursor()
		assert.Equal(t, uint64(4), cursor)
		assert.Len(t, alertsFor(t, store, contract.ID), 1)
	})
}

func TestWatcherRun(t *testing.T) {
	t.Run("follows heads until cancelled", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})

		chain := newFakeChain()
		chain.addBlock(1)
		chain.addBlock(2, newTx(vaultAddr, ether(30), nil))

		w := newTestWatcher(t, store, chain, contract)
		var states []WatcherState
		stateCh := make(chan WatcherState, 16)
		w.OnStateChange = func(state WatcherState, _ error) { stateCh <- state }

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		require.Eventually(t, func() bool { return chain.subscribers() == 1 }, time.Second, 5*time.Millisecond)
		chain.publish(1)
		chain.publish(2)
		require.Eventually(t, func() bool {
			return len(alertsFor(t, store, contract.ID)) == 1
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop")
		}

		state, err := w.State()
		assert.Equal(t, WatcherStopped, state)
		assert.NoError(t, err)
		assert.Zero(t, chain.subscribers())

		close(stateCh)
		for s := range stateCh {
			states = append(states, s)
		}
		assert.Equal(t, []WatcherState{WatcherStarting, WatcherRunning, WatcherStopping, WatcherStopped}, states)
	})

	t.Run("subscription failure puts the watcher in error", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()

		w := newTestWatcher(t, store, chain, contract)
		done := make(chan error, 1)
		go func() { done <- w.Run(context.Background()) }()

		require.Eventually(t, func() bool { return chain.subscribers() == 1 }, time.Second, 5*time.Millisecond)
		chain.failSubscriptions(errors.New("websocket closed"))

		select {
		case err := <-done:
			assert.True(t, errors.Is(err, utils.ErrChainUnavailable))
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not fail")
		}

		state, err := w.State()
		assert.Equal(t, WatcherError, state)
		assert.Error(t, err)
		assert.Zero(t, chain.subscribers())
	})

	t.Run("subscribe error fails immediately", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()
		chain.subscribeErr = 1

		err := newTestWatcher(t, store, chain, contract).Run(context.Background())
		assert.True(t, errors.Is(err, utils.ErrChainUnavailable))
	})

	t.Run("consecutive block failures give up", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()

		w := newTestWatcher(t, store, chain, contract)
		done := make(chan error, 1)
		go func() { done <- w.Run(context.Background()) }()

		require.Eventually(t, func() bool { return chain.subscribers() == 1 }, time.Second, 5*time.Millisecond)

		var runErr error
		require.Eventually(t, func() bool {
			chain.publish(10)
			select {
			case runErr = <-done:
				return true
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)

		assert.True(t, errors.Is(runErr, utils.ErrChainUnavailable))
		state, _ := w.State()
		assert.Equal(t, WatcherError, state)
	})
}
