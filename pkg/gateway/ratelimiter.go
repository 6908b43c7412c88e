package gateway

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter applies a sliding-window request limit and a concurrency cap
// per user.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	users             map[string]*userWindow
	now               func() time.Time
}

type userWindow struct {
	requests   []time.Time
	concurrent int
}

// NewRateLimiter creates a limiter. Non-positive limits disable that check.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		users:             make(map[string]*userWindow),
		now:               time.Now,
	}
}

// Acquire admits one request for userID. On success the returned function
// must be called when the request ends. On rejection it reports the reason
// and how long the caller should wait.
func (r *RateLimiter) Acquire(userID string) (release func(), reason string, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.users[userID]
	if !ok {
		w = &userWindow{}
		r.users[userID] = w
	}
	w.prune(now)

	if r.maxConcurrent > 0 && w.concurrent >= r.maxConcurrent {
		return nil, "too many concurrent requests", time.Second
	}
	if r.requestsPerMinute > 0 && len(w.requests) >= r.requestsPerMinute {
		return nil, "rate limit exceeded", w.requests[0].Add(rateWindow).Sub(now)
	}

	w.requests = append(w.requests, now)
	w.concurrent++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			w.concurrent--
		})
	}, "", 0
}

// Sweep drops idle users with no requests in the current window.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, w := range r.users {
		w.prune(now)
		if w.concurrent == 0 && len(w.requests) == 0 {
			delete(r.users, id)
			removed++
		}
	}
	return removed
}

// Stats returns the requests in the current window and the in-flight count for userID.
func (r *RateLimiter) Stats(userID string) (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.users[userID]
	if !ok {
		return 0, 0
	}
	w.prune(r.now())
	return len(w.requests), w.concurrent
}

func (w *userWindow) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
}
