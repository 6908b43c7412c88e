package supervisor

import (
	"context"
	"sync"
	"time"
)

// dedupCache remembers recently seen turn IDs for a bounded time.
type dedupCache struct {
	entries map[string]time.Time
	ttl     time.Duration
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	now     func() time.Time
}

// newDedupCache creates a cache and starts its cleanup goroutine.
func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go dc.cleanup(ctx)
	return dc
}

func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

// CheckAndMark reports whether id is new and records it. A second call with
// the same id inside the TTL returns false.
func (dc *dedupCache) CheckAndMark(id string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if seen, ok := dc.entries[id]; ok && now.Sub(seen) <= dc.ttl {
		return false
	}
	dc.entries[id] = now
	return true
}

func (dc *dedupCache) cleanup(ctx context.Context) {
	defer close(dc.done)
	interval := min(dc.ttl, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.sweep()
		}
	}
}

func (dc *dedupCache) sweep() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for id, seen := range dc.entries {
		if now.Sub(seen) > dc.ttl {
			delete(dc.entries, id)
		}
	}
}

func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
