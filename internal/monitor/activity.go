package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ActivityTracker remembers when contract-touching transactions were included.
// Each transaction counts once, however often its block is replayed.
type ActivityTracker struct {
	mu   sync.Mutex
	seen map[common.Hash]time.Time
}

// NewActivityTracker creates an empty tracker
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{seen: make(map[common.Hash]time.Time)}
}

// Record notes tx at its inclusion time and returns every inclusion time within
// retention of at, oldest first. Older entries are forgotten.
func (t *ActivityTracker) Record(tx common.Hash, at time.Time, retention time.Duration) []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[tx]; !ok {
		t.seen[tx] = at
	}

	cutoff := at.Add(-retention)
	times := make([]time.Time, 0, len(t.seen))
	for hash, ts := range t.seen {
		if !ts.After(cutoff) {
			delete(t.seen, hash)
			continue
		}
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}

// Len returns the number of remembered transactions
func (t *ActivityTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
