package wire

import (
	"sync"
	"time"
)

// NonceTable tracks nonces seen from a peer so a replayed key-exchange
// message can be rejected (spec §3, §8.10 "RotationLoop"/replay defence).
// Entries are evicted once they exceed maxAge; a background goroutine runs
// the sweep on cleanupInterval so callers never have to remember to do it
// themselves (see SPEC_FULL.md §D.5).
type NonceTable struct {
	mu          sync.Mutex
	seen        map[string]time.Time
	maxAge      time.Duration
	stopCleanup chan struct{}
	stopped     bool
}

// NewNonceTable constructs a table and starts its background cleanup loop.
// Callers must call Close when the table is no longer needed to stop the
// goroutine.
func NewNonceTable(maxAge, cleanupInterval time.Duration) *NonceTable {
	t := &NonceTable{
		seen:        make(map[string]time.Time),
		maxAge:      maxAge,
		stopCleanup: make(chan struct{}),
	}

	go t.cleanupLoop(cleanupInterval)

	return t
}

// SeenBefore reports whether nonce has already been recorded and, if not,
// records it with the current time. The return value matches the check a
// caller needs to perform: true means "reject as replay".
func (t *NonceTable) SeenBefore(nonce string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[nonce]; ok {
		return true
	}

	t.seen[nonce] = time.Now()
	return false
}

// Size reports the number of nonces currently tracked, for diagnostics.
func (t *NonceTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

func (t *NonceTable) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.evictExpired()
		case <-t.stopCleanup:
			return
		}
	}
}

func (t *NonceTable) evictExpired() {
	cutoff := time.Now().Add(-t.maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	for nonce, seenAt := range t.seen {
		if seenAt.Before(cutoff) {
			delete(t.seen, nonce)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (t *NonceTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCleanup)
}
