package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// BlockSubscription delivers chain head numbers to one consumer.
// Heads may be coalesced: a slow consumer only ever sees the newest head, never an older one.
type BlockSubscription struct {
	heads       chan uint64
	errs        chan error
	once        sync.Once
	unsubscribe func()
}

// NewBlockSubscription creates a subscription; unsubscribe runs once on Unsubscribe
func NewBlockSubscription(unsubscribe func()) *BlockSubscription {
	if unsubscribe == nil {
		unsubscribe = func() {}
	}
	return &BlockSubscription{
		heads:       make(chan uint64, 1),
		errs:        make(chan error, 1),
		unsubscribe: unsubscribe,
	}
}

// Heads returns the head number stream
func (s *BlockSubscription) Heads() <-chan uint64 {
	return s.heads
}

// Err reports a terminal feed failure
func (s *BlockSubscription) Err() <-chan error {
	return s.errs
}

// Unsubscribe detaches the consumer from the feed
func (s *BlockSubscription) Unsubscribe() {
	s.once.Do(s.unsubscribe)
}

// Publish offers a head without blocking, replacing an unread older head
func (s *BlockSubscription) Publish(number uint64) {
	for {
		select {
		case s.heads <- number:
			return
		default:
		}
		select {
		case pending := <-s.heads:
			if pending > number {
				number = pending
			}
		default:
		}
	}
}

// Fail delivers a terminal error without blocking
func (s *BlockSubscription) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// headFeed multiplexes one upstream head source across every subscriber on a chain
type headFeed struct {
	client *EVMClient
	logger *logrus.Entry

	mu      sync.Mutex
	subs    map[uint64]*BlockSubscription
	nextID  uint64
	latest  uint64
	polling bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHeadFeed(client *EVMClient) *headFeed {
	return &headFeed{
		client: client,
		logger: client.logger.WithField("component", "head_feed"),
		subs:   make(map[uint64]*BlockSubscription),
	}
}

func (f *headFeed) subscribe() *BlockSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	sub := NewBlockSubscription(func() { f.unsubscribe(id) })
	f.subs[id] = sub

	if f.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.run(ctx, f.done)
	} else if f.latest > 0 {
		sub.Publish(f.latest)
	}

	return sub
}

func (f *headFeed) unsubscribe(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	if len(f.subs) > 0 || f.cancel == nil {
		f.mu.Unlock()
		return
	}
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.done = nil
	f.mu.Unlock()

	cancel()
	<-done
}

// close stops the upstream source and fails every subscriber
func (f *headFeed) close() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.done = nil
	for id, sub := range f.subs {
		sub.Fail(utils.NewAppError(utils.ErrCodeChainUnavailable, "Chain client closed", f.client.chain))
		delete(f.subs, id)
	}
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *headFeed) publish(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if number <= f.latest {
		return
	}
	f.latest = number
	for _, sub := range f.subs {
		sub.Publish(number)
	}
}

// fail ends the current run and hands err to every subscriber
func (f *headFeed) fail(ctx context.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	for id, sub := range f.subs {
		sub.Fail(err)
		delete(f.subs, id)
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
		f.done = nil
	}
}

// run keeps the upstream source alive, reconnecting with backoff until retries run out
func (f *headFeed) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	cfg := f.client.config
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryDelay
	policy.MaxInterval = cfg.MaxRetryDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	failures := 0
	for {
		progressed, err := f.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if progressed {
			failures = 0
			policy.Reset()
		}
		failures++

		f.logger.WithFields(logrus.Fields{
			"failures": failures,
			"error":    err,
		}).Warn("Head feed interrupted")

		if failures >= cfg.RetryAttempts {
			if f.client.metrics != nil {
				f.client.metrics.RecordChainUnavailable(f.client.chain, "subscribe")
			}
			f.fail(ctx, utils.WrapError(utils.ErrCodeChainUnavailable, "Block subscription lost", err))
			return
		}

		f.client.manager.Invalidate()

		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.NextBackOff()):
		}
	}
}

// stream follows heads until ctx ends or the source fails; progressed reports whether any head arrived
func (f *headFeed) stream(ctx context.Context) (progressed bool, err error) {
	backend, err := f.client.manager.Backend(ctx)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	polling := f.polling
	f.mu.Unlock()

	if !polling {
		progressed, err = f.subscribeHeads(ctx, backend)
		if !errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return progressed, err
		}
		f.logger.Info("Endpoint does not support subscriptions, polling for heads")
		f.mu.Lock()
		f.polling = true
		f.mu.Unlock()
	}

	return f.pollHeads(ctx, backend)
}

func (f *headFeed) subscribeHeads(ctx context.Context, backend Backend) (bool, error) {
	headers := make(chan *types.Header, 16)
	sub, err := backend.SubscribeNewHead(ctx, headers)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	progressed := false
	for {
		select {
		case <-ctx.Done():
			return progressed, nil
		case err := <-sub.Err():
			return progressed, err
		case header := <-headers:
			if header == nil || header.Number == nil {
				continue
			}
			progressed = true
			f.publish(header.Number.Uint64())
		}
	}
}

func (f *headFeed) pollHeads(ctx context.Context, backend Backend) (bool, error) {
	interval := f.client.config.PollInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	progressed := false
	for {
		callCtx, cancel := context.WithTimeout(ctx, f.client.config.RequestTimeout)
		number, err := backend.BlockNumber(callCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return progressed, nil
			}
			return progressed, err
		}
		progressed = true
		f.publish(number)

		select {
		case <-ctx.Done():
			return progressed, nil
		case <-ticker.C:
		}
	}
}
