// File: internal/connection/manager.go
package connection

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// Backend is the subset of the go-ethereum client the monitor relies on
type Backend interface {
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// DialFunc opens a backend for one endpoint URL
type DialFunc func(ctx context.Context, url string) (Backend, error)

// Manager defines the connection manager interface
type Manager interface {
	Backend(ctx context.Context) (Backend, error)
	Invalidate()
	HealthCheck(ctx context.Context) error
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// ConnectionManager keeps one live backend per chain and fails over across its URLs
type ConnectionManager struct {
	chain        string
	config       config.ChainConfig
	urls         []string
	currentIndex int
	backend      Backend
	dial         DialFunc
	mu           sync.RWMutex
	logger       *logrus.Entry
	stats        ConnectionStats
	isHealthy    bool
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	Chain           string    `json:"chain"`
	Connects        uint64    `json:"connects"`
	FailedDials     uint64    `json:"failed_dials"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	ChainID         uint64    `json:"chain_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewConnectionManager creates a connection manager dialing with ethclient
func NewConnectionManager(chain string, cfg config.ChainConfig) *ConnectionManager {
	return NewConnectionManagerWithDialer(chain, cfg, func(ctx context.Context, url string) (Backend, error) {
		return ethclient.DialContext(ctx, url)
	})
}

// NewConnectionManagerWithDialer creates a connection manager with a custom dialer
func NewConnectionManagerWithDialer(chain string, cfg config.ChainConfig, dial DialFunc) *ConnectionManager {
	// The websocket endpoint goes first so head subscriptions are available when configured
	var urls []string
	if cfg.WSURL != "" {
		urls = append(urls, cfg.WSURL)
	}
	if cfg.RPCURL != "" {
		urls = append(urls, cfg.RPCURL)
	}
	urls = append(urls, cfg.BackupURLs...)

	return &ConnectionManager{
		chain:  chain,
		config: cfg,
		urls:   urls,
		dial:   dial,
		logger: utils.ComponentLogger("connection").WithField("chain", chain),
		stats:  ConnectionStats{Chain: chain},
	}
}

// Backend returns the current backend, dialing if needed
func (cm *ConnectionManager) Backend(ctx context.Context) (Backend, error) {
	cm.mu.RLock()
	backend := cm.backend
	cm.mu.RUnlock()

	if backend != nil {
		return backend, nil
	}
	return cm.connect(ctx)
}

// connect walks the URL list once starting at the current index
func (cm *ConnectionManager) connect(ctx context.Context) (Backend, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.backend != nil {
		return cm.backend, nil
	}
	if len(cm.urls) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "No endpoint configured", cm.chain)
	}

	var lastErr error
	for i := 0; i < len(cm.urls); i++ {
		index := (cm.currentIndex + i) % len(cm.urls)
		url := cm.urls[index]

		cm.logger.WithField("url", url).Debug("Attempting connection")

		backend, err := cm.dialWithTimeout(ctx, url)
		if err != nil {
			cm.stats.FailedDials++
			lastErr = err
			cm.logger.WithFields(logrus.Fields{"url": url, "error": err}).Warn("Connection failed")
			continue
		}

		cm.backend = backend
		cm.currentIndex = index
		cm.isHealthy = true
		cm.stats.Connects++
		cm.stats.CurrentURL = url
		cm.stats.LastConnectedAt = time.Now()
		cm.stats.IsHealthy = true

		cm.logger.WithField("url", url).Info("Connected to chain node")
		return backend, nil
	}

	cm.isHealthy = false
	cm.stats.IsHealthy = false
	return nil, utils.WrapError(utils.ErrCodeConnection,
		fmt.Sprintf("Failed to connect to any %s node", cm.chain), lastErr)
}

// Invalidate drops the current backend and moves to the next URL
func (cm *ConnectionManager) Invalidate() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.backend == nil {
		return
	}
	cm.backend.Close()
	cm.backend = nil
	cm.isHealthy = false
	cm.stats.IsHealthy = false
	cm.stats.Reconnects++
	if len(cm.urls) > 0 {
		cm.currentIndex = (cm.currentIndex + 1) % len(cm.urls)
	}
}

// dialWithTimeout creates a connection with timeout
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (Backend, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.config.RequestTimeout)
	defer cancel()

	return cm.dial(dialCtx, url)
}

// HealthCheck verifies the chain id and the latest block
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	backend, err := cm.Backend(ctx)
	if err != nil {
		return err
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		cm.Invalidate()
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get chain ID", err)
	}

	if cm.config.ChainID != 0 && chainID.Uint64() != cm.config.ChainID {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"Chain ID mismatch",
			fmt.Sprintf("%s: expected %d, got %d", cm.chain, cm.config.ChainID, chainID.Uint64()))
	}

	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		cm.Invalidate()
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get latest block", err)
	}

	cm.mu.Lock()
	cm.stats.ChainID = chainID.Uint64()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.isHealthy = true
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		"chain_id":     chainID.Uint64(),
		"latest_block": blockNumber,
	}).Info("Health check passed")

	return nil
}

// IsConnected returns whether the manager holds a healthy backend
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.backend != nil && cm.isHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.backend != nil {
		cm.backend.Close()
		cm.backend = nil
	}

	cm.isHealthy = false
	cm.stats.IsHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
