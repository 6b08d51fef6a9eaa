package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/internal/storage"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

func newTestSupervisor(t *testing.T, store storage.Storage, chains chainSource) *Supervisor {
	t.Helper()
	s := NewSupervisor(store, chains, rules.NewEngine(rules.DefaultThresholds(), nil), newTestPipeline(store), testMonitorConfig(), nil)
	t.Cleanup(s.Close)
	return s
}

func waitForStatus(t *testing.T, s *Supervisor, contractID string, status models.ContractStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := s.State(contractID)
		return ok && state.Status == status
	}, 2*time.Second, 5*time.Millisecond, "contract never reached %s", status)
}

func TestSupervisorStartContract(t *testing.T) {
	ctx := context.Background()

	t.Run("starting twice keeps one watcher", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, false)
		chain := newFakeChain()
		s := newTestSupervisor(t, store, chainSource{"ethereum": chain})

		require.NoError(t, s.StartContract(ctx, contract.ID))
		require.NoError(t, s.StartContract(ctx, contract.ID))
		waitForStatus(t, s, contract.ID, models.ContractStatusRunning)

		assert.Equal(t, []string{contract.ID}, s.Running())
		assert.Equal(t, 1, chain.subscribers())

		stored, err := store.GetContract(ctx, contract.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsActive)
		assert.Equal(t, models.ContractStatusRunning, stored.Status)
	})

	t.Run("unknown contract", func(t *testing.T) {
		s := newTestSupervisor(t, newTestStore(t), chainSource{})
		err := s.StartContract(ctx, "missing")
		assert.True(t, errors.Is(err, utils.ErrNotFound))
	})

	t.Run("unsupported chain leaves the contract in error", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		s := newTestSupervisor(t, store, chainSource{})

		err := s.StartContract(ctx, contract.ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrUnsupportedChain))

		state, ok := s.State(contract.ID)
		require.True(t, ok)
		assert.Equal(t, models.ContractStatusError, state.Status)
		assert.False(t, state.Running)
		assert.Contains(t, state.Reason, "Unsupported chain")

		stored, err := store.GetContract(ctx, contract.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ContractStatusError, stored.Status)
		assert.NotEmpty(t, stored.StatusReason)
		assert.Equal(t, 1, s.GetStats().ContractsInError)
	})

	t.Run("watcher is restarted after subscribe failures", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()
		chain.subscribeErr = 2
		s := newTestSupervisor(t, store, chainSource{"ethereum": chain})

		require.NoError(t, s.StartContract(ctx, contract.ID))
		waitForStatus(t, s, contract.ID, models.ContractStatusRunning)

		state, _ := s.State(contract.ID)
		assert.Equal(t, 2, state.Restarts)
		assert.Empty(t, state.Reason)
		assert.Equal(t, uint64(2), s.GetStats().TotalRestarts)
		assert.Equal(t, 1, chain.subscribers())
	})

	t.Run("subscription loss is reported then recovered", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()
		s := newTestSupervisor(t, store, chainSource{"ethereum": chain})

		require.NoError(t, s.StartContract(ctx, contract.ID))
		waitForStatus(t, s, contract.ID, models.ContractStatusRunning)

		chain.failSubscriptions(errors.New("websocket closed"))
		require.Eventually(t, func() bool {
			state, _ := s.State(contract.ID)
			return state.Restarts == 1 && state.Status == models.ContractStatusRunning
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestSupervisorStopContract(t *testing.T) {
	ctx := context.Background()

	t.Run("stop releases the subscription and goroutines", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		chain := newFakeChain()
		s := newTestSupervisor(t, store, chainSource{"ethereum": chain})

		opts := []goleak.Option{
			goleak.IgnoreCurrent(),
			goleak.IgnoreTopFunction("database/sql.(*DB).connectionCleaner"),
		}

		require.NoError(t, s.StartContract(ctx, contract.ID))
		waitForStatus(t, s, contract.ID, models.ContractStatusRunning)

		require.NoError(t, s.StopContract(ctx, contract.ID))
		assert.Zero(t, chain.subscribers())
		assert.Empty(t, s.Running())
		goleak.VerifyNone(t, opts...)

		stored, err := store.GetContract(ctx, contract.ID)
		require.NoError(t, err)
		assert.False(t, stored.IsActive)
		assert.Equal(t, models.ContractStatusStopped, stored.Status)

		_, ok := s.State(contract.ID)
		assert.False(t, ok)
	})

	t.Run("stop then start does not duplicate alerts", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		seedRule(t, store, contract.ID, models.RuleLargeTransaction, models.Conditions{
			rules.CondValueThreshold: ether(10).String(),
		})
		chain := newFakeChain()
		chain.addBlock(1, newTx(vaultAddr, ether(40), nil))
		chain.addBlock(2)
		s := newTestSupervisor(t, store, chainSource{"ethereum": chain})

		require.NoError(t, s.StartContract(ctx, contract.ID))
		waitForStatus(t, s, contract.ID, models.ContractStatusRunning)
		chain.publish(1)
		require.Eventually(t, func() bool {
			return len(alertsFor(t, store, contract.ID)) == 1
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, s.StopContract(ctx, contract.ID))
		require.NoError(t, s.StartContract(ctx, contract.ID))
		waitForStatus(t, s, contract.ID, models.ContractStatusRunning)

		chain.publish(2)
		require.Eventually(t, func() bool {
			block, ok, err := store.GetLastProcessedBlock(ctx, contract.ID)
			return err == nil && ok && block == 2
		}, 2*time.Second, 10*time.Millisecond)

		assert.Len(t, alertsFor(t, store, contract.ID), 1)
		assert.Equal(t, 1, chain.subscribers())
	})

	t.Run("stopping an idle contract marks it inactive", func(t *testing.T) {
		store := newTestStore(t)
		contract := seedVault(t, store, true)
		s := newTestSupervisor(t, store, chainSource{})

		require.NoError(t, s.StopContract(ctx, contract.ID))
		stored, err := store.GetContract(ctx, contract.ID)
		require.NoError(t, err)
		assert.False(t, stored.IsActive)
	})

	t.Run("unknown contract", func(t *testing.T) {
		s := newTestSupervisor(t, newTestStore(t), chainSource{})
		assert.True(t, errors.Is(s.StopContract(ctx, "missing"), utils.ErrNotFound))
	})
}

func TestSupervisorStartAndStopAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := seedVault(t, store, true)
	second := &models.MonitoredContract{
		Address:  otherAddr.Hex(),
		Chain:    "ethereum",
		UserID:   "user-2",
		Name:     "Treasury",
		IsActive: true,
	}
	require.NoError(t, store.CreateContract(ctx, second))
	idle := &models.MonitoredContract{
		Address: "0x00000000000000000000000000000000000000e0",
		Chain:   "ethereum",
		UserID:  "user-2",
		Name:    "Idle",
	}
	require.NoError(t, store.CreateContract(ctx, idle))

	chain := newFakeChain()
	s := newTestSupervisor(t, store, chainSource{"ethereum": chain})

	require.NoError(t, s.Start(ctx))
	assert.ElementsMatch(t, []string{first.ID, second.ID}, s.Running())
	waitForStatus(t, s, first.ID, models.ContractStatusRunning)
	waitForStatus(t, s, second.ID, models.ContractStatusRunning)
	assert.Equal(t, 2, s.GetStats().ContractsMonitored)

	s.StopAll()
	assert.Empty(t, s.Running())
	assert.Zero(t, chain.subscribers())

	active, err := store.ListActiveContracts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	for _, c := range active {
		assert.Equal(t, models.ContractStatusStopped, c.Status)
	}

	require.NoError(t, s.Start(ctx))
	assert.Len(t, s.Running(), 2)
}
