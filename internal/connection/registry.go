package connection

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// ClientSource resolves the shared client of a chain
type ClientSource interface {
	Client(chain string) (ChainClient, error)
}

// Registry holds exactly one client per configured chain
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*EVMClient
	logger  *logrus.Entry
	closed  bool
}

// NewRegistry builds a client for every configured chain; a chain without endpoints is a configuration error
func NewRegistry(chains map[string]config.ChainConfig, metricsManager *metrics.Manager) (*Registry, error) {
	return NewRegistryWithDialer(chains, metricsManager, nil)
}

// NewRegistryWithDialer is NewRegistry with a custom dialer; nil dials with ethclient
func NewRegistryWithDialer(chains map[string]config.ChainConfig, metricsManager *metrics.Manager, dial DialFunc) (*Registry, error) {
	r := &Registry{
		clients: make(map[string]*EVMClient, len(chains)),
		logger:  utils.ComponentLogger("chain_registry"),
	}

	for name, cfg := range chains {
		key := normalizeChain(name)
		if key == "" {
			return nil, utils.NewAppError(utils.ErrCodeUnsupportedChain, "Empty chain key", "")
		}
		if cfg.RPCURL == "" && cfg.WSURL == "" {
			return nil, utils.NewAppError(utils.ErrCodeUnsupportedChain, "Chain has no endpoint", key)
		}

		var manager *ConnectionManager
		if dial != nil {
			manager = NewConnectionManagerWithDialer(key, cfg, dial)
		} else {
			manager = NewConnectionManager(key, cfg)
		}
		r.clients[key] = NewEVMClient(key, cfg, manager, metricsManager)
	}

	r.logger.WithField("chains", r.Chains()).Info("Chain registry created")
	return r, nil
}

// Client returns the shared client of chain
func (r *Registry) Client(chain string) (ChainClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, utils.NewAppError(utils.ErrCodeChainUnavailable, "Chain registry closed", chain)
	}
	client, ok := r.clients[normalizeChain(chain)]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeUnsupportedChain, "Unsupported chain", chain)
	}
	return client, nil
}

// Supports reports whether chain is configured
func (r *Registry) Supports(chain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[normalizeChain(chain)]
	return ok
}

// Chains returns the configured chain keys in sorted order
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.clients))
	for key := range r.clients {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// HealthCheck checks every chain in parallel
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	clients := make(map[string]*EVMClient, len(r.clients))
	for key, client := range r.clients {
		clients[key] = client
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]error, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	for key, client := range clients {
		g.Go(func() error {
			err := client.HealthCheck(gctx)
			mu.Lock()
			results[key] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Stats returns connection statistics per chain
func (r *Registry) Stats() map[string]ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]ConnectionStats, len(r.clients))
	for key, client := range r.clients {
		stats[key] = client.Stats()
	}
	return stats
}

// Close closes every client
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var lastErr error
	for key, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.WithFields(logrus.Fields{"chain": key, "error": err}).Error("Failed to close chain client")
			lastErr = err
		}
	}

	r.logger.Info("Chain registry closed")
	return lastErr
}

func normalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}
