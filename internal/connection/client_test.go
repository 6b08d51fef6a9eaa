package connection

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

type fakeSubscription struct {
	errs chan error
	once sync.Once
}

func (s *fakeSubscription) Err() <-chan error { return s.errs }
func (s *fakeSubscription) Unsubscribe()      { s.once.Do(func() { close(s.errs) }) }

type fakeBackend struct {
	mu           sync.Mutex
	failures     int
	head         uint64
	blocks       map[uint64]*types.Block
	receipts     map[common.Hash]*types.Receipt
	balance      *big.Int
	subscribeErr error
	headers      chan<- *types.Header
	sub          *fakeSubscription
	calls        map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
		balance:  big.NewInt(0),
		calls:    make(map[string]int),
	}
}

func (b *fakeBackend) record(method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method]++
	if b.failures > 0 {
		b.failures--
		return errors.New("rpc timeout")
	}
	return nil
}

func (b *fakeBackend) count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *fakeBackend) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if err := b.record("BlockByNumber"); err != nil {
		return nil, err
	}
	block, ok := b.blocks[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return block, nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := b.record("HeaderByNumber"); err != nil {
		return nil, err
	}
	block, ok := b.blocks[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return block.Header(), nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := b.record("TransactionReceipt"); err != nil {
		return nil, err
	}
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := b.record("BalanceAt"); err != nil {
		return nil, err
	}
	return b.balance, nil
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := b.record("BlockNumber"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(31), nil
}

func (b *fakeBackend) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["SubscribeNewHead"]++
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.headers = ch
	b.sub = &fakeSubscription{errs: make(chan error, 1)}
	return b.sub, nil
}

func (b *fakeBackend) Close() {}

func (b *fakeBackend) setHead(n uint64) {
	b.mu.Lock()
	b.head = n
	b.mu.Unlock()
}

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		RPCURL:         "http://node.invalid",
		ChainID:        31,
		RequestTimeout: time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, backend *fakeBackend, cfg config.ChainConfig) *EVMClient {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")
	manager := NewConnectionManagerWithDialer("testnet", cfg, func(ctx context.Context, url string) (Backend, error) {
		return backend, nil
	})
	return NewEVMClient("testnet", cfg, manager, metrics.NewManager())
}

func TestEVMClientRetries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		backend := newFakeBackend()
		backend.head = 42
		backend.failures = 2
		client := newTestClient(t, backend, testChainConfig())

		n, err := client.LatestBlockNumber(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(42), n)
		assert.Equal(t, 3, backend.count("BlockNumber"))
	})

	t.Run("exhausted retries surface as chain unavailable", func(t *testing.T) {
		backend := newFakeBackend()
		backend.failures = 10
		client := newTestClient(t, backend, testChainConfig())

		_, err := client.GetBalance(context.Background(), common.HexToAddress("0x01"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrChainUnavailable))
		assert.Equal(t, 3, backend.count("BalanceAt"))
	})

	t.Run("missing block is not retried", func(t *testing.T) {
		backend := newFakeBackend()
		client := newTestClient(t, backend, testChainConfig())

		_, err := client.GetBlock(context.Background(), 7, true)
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrBlockNotFound))
		assert.Equal(t, 1, backend.count("BlockByNumber"))
	})

	t.Run("missing receipt is pending", func(t *testing.T) {
		backend := newFakeBackend()
		client := newTestClient(t, backend, testChainConfig())

		_, err := client.GetReceipt(context.Background(), common.HexToHash("0xabc"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrReceiptPending))
	})

	t.Run("cancelled context is returned unwrapped", func(t *testing.T) {
		backend := newFakeBackend()
		backend.failures = 10
		client := newTestClient(t, backend, testChainConfig())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.LatestBlockNumber(ctx)
		require.Error(t, err)
		assert.False(t, errors.Is(err, utils.ErrChainUnavailable))
	})
}

func TestEVMClientGetBlock(t *testing.T) {
	backend := newFakeBackend()
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Value: big.NewInt(5), Gas: 21000, GasPrice: big.NewInt(1)})
	header := &types.Header{Number: big.NewInt(10), Time: 1700000000}
	backend.blocks[10] = types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: []*types.Transaction{tx}})
	client := newTestClient(t, backend, testChainConfig())

	full, err := client.GetBlock(context.Background(), 10, true)
	require.NoError(t, err)
	assert.Len(t, full.Transactions(), 1)

	bare, err := client.GetBlock(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bare.NumberU64())
	assert.Empty(t, bare.Transactions())
	assert.Equal(t, 1, backend.count("HeaderByNumber"))
}

func TestHeadFeedPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := newFakeBackend()
	backend.subscribeErr = rpc.ErrNotificationsUnsupported
	backend.head = 100
	client := newTestClient(t, backend, testChainConfig())

	first := client.feed.subscribe()
	second := client.feed.subscribe()

	select {
	case n := <-first.Heads():
		assert.Equal(t, uint64(100), n)
	case <-time.After(2 * time.Second):
		t.Fatal("no head delivered")
	}

	backend.setHead(105)
	require.Eventually(t, func() bool {
		select {
		case n := <-second.Heads():
			return n == 105
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	first.Unsubscribe()
	second.Unsubscribe()
	assert.Equal(t, 1, backend.count("SubscribeNewHead"))
}

func TestHeadFeedSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := newFakeBackend()
	client := newTestClient(t, backend, testChainConfig())

	sub, err := client.SubscribeBlocks(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.headers != nil
	}, 2*time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	headers := backend.headers
	backend.mu.Unlock()
	headers <- &types.Header{Number: big.NewInt(7)}
	headers <- &types.Header{Number: big.NewInt(8)}

	require.Eventually(t, func() bool {
		select {
		case n := <-sub.Heads():
			return n == 8
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
}

func TestHeadFeedFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := newFakeBackend()
	backend.subscribeErr = errors.New("connection refused")
	client := newTestClient(t, backend, testChainConfig())

	sub, err := client.SubscribeBlocks(context.Background())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case err := <-sub.Err():
		assert.True(t, errors.Is(err, utils.ErrChainUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("feed failure not reported")
	}
}

func TestBlockSubscriptionCoalesces(t *testing.T) {
	sub := NewBlockSubscription(nil)
	sub.Publish(5)
	sub.Publish(9)
	sub.Publish(7)

	assert.Equal(t, uint64(9), <-sub.Heads())
	select {
	case n := <-sub.Heads():
		t.Fatalf("unexpected extra head %d", n)
	default:
	}
}

func TestRegistry(t *testing.T) {
	utils.InitLogger("error", "text", "stdout", "")

	t.Run("unknown chain is unsupported", func(t *testing.T) {
		registry, err := NewRegistryWithDialer(map[string]config.ChainConfig{
			"RSK-Testnet": testChainConfig(),
		}, nil, func(ctx context.Context, url string) (Backend, error) { return newFakeBackend(), nil })
		require.NoError(t, err)
		defer registry.Close()

		client, err := registry.Client("rsk-testnet")
		require.NoError(t, err)
		assert.Equal(t, "rsk-testnet", client.Chain())

		again, err := registry.Client("RSK-TESTNET")
		require.NoError(t, err)
		assert.Same(t, client, again)

		_, err = registry.Client("solana")
		assert.True(t, errors.Is(err, utils.ErrUnsupportedChain))
	})

	t.Run("chain without endpoint is rejected", func(t *testing.T) {
		_, err := NewRegistry(map[string]config.ChainConfig{"ethereum": {}}, nil)
		assert.True(t, errors.Is(err, utils.ErrUnsupportedChain))
	})

	t.Run("health check covers every chain", func(t *testing.T) {
		registry, err := NewRegistryWithDialer(map[string]config.ChainConfig{
			"a": testChainConfig(),
			"b": testChainConfig(),
		}, nil, func(ctx context.Context, url string) (Backend, error) { return newFakeBackend(), nil })
		require.NoError(t, err)
		defer registry.Close()

		results := registry.HealthCheck(context.Background())
		assert.Len(t, results, 2)
		for chain, err := range results {
			assert.NoError(t, err, chain)
		}
		assert.Equal(t, []string{"a", "b"}, registry.Chains())
	})
}
