package ledger

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// KEY LOCKS - Per (base, equipment type) write serialization
// =============================================================================
//
// Every stock-affecting operation holds the locks of the keys it touches
// from validation to commit. Operations on unrelated keys validate and
// build their events in parallel, then queue on EventLog.Append, which
// serializes Seq assignment, the store write and the fold.
// Multi-key operations (transfers) take their locks in StockKey.Less order,
// so two transfers moving stock in opposite directions between the same
// pair of bases cannot deadlock.
//
// Each lock is a 1-buffered channel: sending acquires, receiving releases.
// Waiting on a channel lets acquisition honour ctx cancellation.

type keyLocks struct {
	mu    sync.Mutex
	locks map[StockKey]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[StockKey]*keyLock)}
}

// acquire locks every key in keys and returns a function releasing them.
// On ctx cancellation the keys already taken are released and ctx.Err()
// is returned.
func (l *keyLocks) acquire(ctx context.Context, keys []StockKey) (func(), error) {
	ordered := sortedKeys(keys)
	held := make([]*keyLock, 0, len(ordered))
	heldKeys := make([]StockKey, 0, len(ordered))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			l.unref(heldKeys[i])
		}
	}

	for _, k := range ordered {
		kl := l.ref(k)
		select {
		case kl.ch <- struct{}{}:
			held = append(held, kl)
			heldKeys = append(heldKeys, k)
		case <-ctx.Done():
			l.unref(k)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (l *keyLocks) ref(k StockKey) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[k] = kl
	}
	kl.refs++
	return kl
}

func (l *keyLocks) unref(k StockKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.locks[k]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, k)
	}
}

// sortedKeys returns keys deduplicated and in lock order.
func sortedKeys(keys []StockKey) []StockKey {
	seen := make(map[StockKey]bool, len(keys))
	out := make([]StockKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
