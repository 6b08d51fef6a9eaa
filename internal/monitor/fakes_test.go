package monitor

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/connection"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/internal/processor"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/internal/storage"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

var (
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	otherAddr = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	genesis   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// fakeChain serves canned blocks and lets tests drive head notifications
type fakeChain struct {
	mu           sync.Mutex
	blocks       map[uint64]*types.Block
	receipts     map[common.Hash]*types.Receipt
	receiptErrs  map[common.Hash]error
	balance      *big.Int
	balanceErr   error
	subscribeErr int // number of SubscribeBlocks calls that fail before succeeding
	subs         map[int]*connection.BlockSubscription
	nextSub      int
	blockCalls   []uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:      make(map[uint64]*types.Block),
		receipts:    make(map[common.Hash]*types.Receipt),
		receiptErrs: make(map[common.Hash]error),
		balance:     big.NewInt(0),
		subs:        make(map[int]*connection.BlockSubscription),
	}
}

func (f *fakeChain) Chain() string { return "ethereum" }

func (f *fakeChain) GetBlock(_ context.Context, number uint64, _ bool) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCalls = append(f.blockCalls, number)
	block, ok := f.blocks[number]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeBlockNotFound, "Block not found", "")
	}
	return block, nil
}

func (f *fakeChain) GetReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, failing := f.receiptErrs[hash]; failing {
		return nil, err
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeReceiptPending, "Receipt not available", hash.Hex())
	}
	return receipt, nil
}

func (f *fakeChain) GetBalance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest uint64
	for n := range f.blocks {
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}

func (f *fakeChain) SubscribeBlocks(context.Context) (*connection.BlockSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr > 0 {
		f.subscribeErr--
		return nil, utils.NewAppError(utils.ErrCodeChainUnavailable, "Endpoint down", "")
	}
	id := f.nextSub
	f.nextSub++
	sub := connection.NewBlockSubscription(func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	})
	f.subs[id] = sub
	return sub, nil
}

func (f *fakeChain) publish(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		sub.Publish(head)
	}
}

func (f *fakeChain) failSubscriptions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		sub.Fail(err)
	}
}

func (f *fakeChain) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeChain) setBalance(v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = v
}

// addBlock stores block n with txs; every tx gets a successful receipt unless one is registered later
func (f *fakeChain) addBlock(n uint64, txs ...*types.Transaction) *types.Block {
	header := &types.Header{
		Number:   new(big.Int).SetUint64(n),
		Time:     uint64(genesis.Unix()) + n*12,
		GasLimit: 30000000,
	}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})

	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[n] = block
	for i, tx := range txs {
		if _, ok := f.receipts[tx.Hash()]; ok {
			continue
		}
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:           types.ReceiptStatusSuccessful,
			GasUsed:          21000,
			TxHash:           tx.Hash(),
			BlockNumber:      new(big.Int).SetUint64(n),
			TransactionIndex: uint(i),
		}
	}
	return block
}

func (f *fakeChain) setReceipt(receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[receipt.TxHash] = receipt
}

func (f *fakeChain) dropReceipt(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.receipts, hash)
}

func (f *fakeChain) failReceipt(hash common.Hash, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptErrs[hash] = err
}

func (f *fakeChain) processed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.blockCalls...)
}

var txNonce uint64

func newTx(to common.Address, value *big.Int, data []byte) *types.Transaction {
	txNonce++
	return types.NewTx(&types.LegacyTx{
		Nonce:    txNonce,
		To:       &to,
		Value:    value,
		Gas:      100000,
		GasPrice: big.NewInt(1),
		Data:     data,
	})
}

// chainSource resolves chain keys to fakes
type chainSource map[string]connection.ChainClient

func (c chainSource) Client(chain string) (connection.ChainClient, error) {
	client, ok := c[chain]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeUnsupportedChain, "Unsupported chain", chain)
	}
	return client, nil
}

func newTestStore(t *testing.T) *storage.SQLStorage {
	t.Helper()
	s := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "monitor.db"),
	})
	require.NoError(t, s.Connect())
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func seedVault(t *testing.T, store storage.Storage, active bool) *models.MonitoredContract {
	t.Helper()
	contract := &models.MonitoredContract{
		Address:  vaultAddr.Hex(),
		Chain:    "ethereum",
		UserID:   "user-1",
		Name:     "Vault",
		IsActive: active,
	}
	require.NoError(t, store.CreateContract(context.Background(), contract))
	return contract
}

func seedRule(t *testing.T, store storage.Storage, contractID string, ruleType models.RuleType, conditions models.Conditions) *models.MonitoringRule {
	t.Helper()
	rule := &models.MonitoringRule{
		ContractID: contractID,
		RuleType:   ruleType,
		Conditions: conditions,
		IsActive:   true,
	}
	require.NoError(t, store.CreateRule(context.Background(), rule))
	return rule
}

func newTestPipeline(store storage.Storage) *processor.Pipeline {
	return processor.NewPipeline(store, nil, nil, config.AlertsConfig{PersistRetryAttempts: 1}, nil)
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		CheckInterval:          time.Hour,
		MaxCatchUpBlocks:       100,
		BlockTimeout:           5 * time.Second,
		MaxConsecutiveFailures: 3,
		RestartInitialDelay:    10 * time.Millisecond,
		RestartMaxDelay:        50 * time.Millisecond,
	}
}

func newTestWatcher(t *testing.T, store storage.Storage, chain *fakeChain, contract *models.MonitoredContract) *Watcher {
	t.Helper()
	engine := rules.NewEngine(rules.DefaultThresholds(), nil)
	return NewWatcher(contract, chain, store, engine, newTestPipeline(store), testMonitorConfig(), nil)
}

func alertsFor(t *testing.T, store storage.Storage, contractID string) []*models.ContractAlert {
	t.Helper()
	alerts, err := store.GetAlerts(context.Background(), storage.AlertFilter{ContractID: contractID})
	require.NoError(t, err)
	return alerts
}
