// File: internal/connection/client.go
package connection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// ChainClient is the read-only view of one chain shared by all watchers and checkers on it
type ChainClient interface {
	Chain() string
	GetBlock(ctx context.Context, number uint64, withTransactions bool) (*types.Block, error)
	GetReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	SubscribeBlocks(ctx context.Context) (*BlockSubscription, error)
}

// EVMClient implements ChainClient over JSON-RPC with bounded exponential backoff
type EVMClient struct {
	chain   string
	config  config.ChainConfig
	manager Manager
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
	feed    *headFeed
}

// NewEVMClient creates a chain client on top of a connection manager
func NewEVMClient(chain string, cfg config.ChainConfig, manager Manager, metricsManager *metrics.Manager) *EVMClient {
	c := &EVMClient{
		chain:   chain,
		config:  cfg,
		manager: manager,
		logger:  utils.ComponentLogger("chain_client").WithField("chain", chain),
	}
	if metricsManager != nil {
		c.metrics = metricsManager.GetPrometheusMetrics()
	}
	c.feed = newHeadFeed(c)
	return c
}

// Chain returns the chain key the client serves
func (c *EVMClient) Chain() string {
	return c.chain
}

// GetBlock fetches a block, with or without its transactions
func (c *EVMClient) GetBlock(ctx context.Context, number uint64, withTransactions bool) (*types.Block, error) {
	var block *types.Block
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, backend Backend) error {
		n := new(big.Int).SetUint64(number)
		if withTransactions {
			b, err := backend.BlockByNumber(ctx, n)
			if err != nil {
				return err
			}
			block = b
			return nil
		}
		header, err := backend.HeaderByNumber(ctx, n)
		if err != nil {
			return err
		}
		block = types.NewBlockWithHeader(header)
		return nil
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, utils.WrapError(utils.ErrCodeBlockNotFound, fmt.Sprintf("Block %d not found", number), err)
	}
	return block, err
}

// GetReceipt fetches a transaction receipt; a missing receipt is reported as pending
func (c *EVMClient) GetReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context, backend Backend) error {
		r, err := backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, utils.WrapError(utils.ErrCodeReceiptPending, "Receipt not available", err)
	}
	return receipt, err
}

// GetBalance returns the latest native balance of address
func (c *EVMClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.call(ctx, "eth_getBalance", func(ctx context.Context, backend Backend) error {
		b, err := backend.BalanceAt(ctx, address, nil)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	return balance, err
}

// LatestBlockNumber returns the chain head
func (c *EVMClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context, backend Backend) error {
		n, err := backend.BlockNumber(ctx)
		if err != nil {
			return err
		}
		number = n
		return nil
	})
	return number, err
}

// SubscribeBlocks attaches to the shared head feed of this chain
func (c *EVMClient) SubscribeBlocks(ctx context.Context) (*BlockSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.feed.subscribe(), nil
}

// HealthCheck checks the underlying connection
func (c *EVMClient) HealthCheck(ctx context.Context) error {
	return c.manager.HealthCheck(ctx)
}

// Stats returns the connection statistics of the chain
func (c *EVMClient) Stats() ConnectionStats {
	return c.manager.Stats()
}

// Close stops the head feed and closes the connection
func (c *EVMClient) Close() error {
	c.feed.close()
	return c.manager.Close()
}

// newBackOff builds the retry policy for one call
func (c *EVMClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryDelay
	b.MaxInterval = c.config.MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	retries := c.config.RetryAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// call runs fn with a per-attempt timeout and retries transient failures.
// Exhausted retries surface as CHAIN_UNAVAILABLE; ethereum.NotFound is returned as is.
func (c *EVMClient) call(ctx context.Context, method string, fn func(ctx context.Context, backend Backend) error) error {
	start := time.Now()
	attempts := 0

	operation := func() error {
		attempts++

		backend, err := c.manager.Backend(ctx)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		err = fn(callCtx, backend)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ethereum.NotFound):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}

		c.logger.WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempts,
			"error":   err,
		}).Debug("RPC call failed")

		// A second consecutive failure rotates to the next endpoint
		if attempts > 1 {
			c.manager.Invalidate()
		}
		return err
	}

	err := backoff.Retry(operation, c.newBackOff(ctx))

	status := "success"
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCRequest(c.chain, method, status, time.Since(start))
	}

	switch {
	case err == nil, errors.Is(err, ethereum.NotFound):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}

	if c.metrics != nil {
		c.metrics.RecordChainUnavailable(c.chain, method)
	}
	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"attempts": attempts,
		"error":    err,
	}).Warn("Chain unavailable")

	return utils.WrapError(utils.ErrCodeChainUnavailable,
		fmt.Sprintf("%s on %s failed after %d attempts", method, c.chain, attempts), err)
}
