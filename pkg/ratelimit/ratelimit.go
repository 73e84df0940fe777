// Package ratelimit implements per-client sliding-window request limiting.
//
// Each client key (normally the remote IP) gets its own deque of recent
// request timestamps. Admit trims timestamps older than the configured
// window, then admits the request only if the trimmed count is still below
// the limit. There is no separate ban list and no concurrent-request cap --
// the single sliding window is the entire policy.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a maximum number of requests per client within a sliding
// time window. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	maxReqs int
	window  time.Duration
}

// New creates a Limiter admitting at most maxRequests per client within
// window. A non-positive maxRequests rejects every request; a non-positive
// window keeps no timestamps, so every request is admitted (given a positive
// maxRequests). Callers are expected to validate these at config load time
// instead (see pkg/config), but the limiter itself does not panic on them.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		clients: make(map[string][]time.Time),
		maxReqs: maxRequests,
		window:  window,
	}
}

// Allow reports whether a request from client may proceed right now. It
// trims timestamps outside the window before counting, then -- only if the
// request is admitted -- records now as a new timestamp for client.
func (l *Limiter) Allow(client string) bool {
	return l.allowAt(client, time.Now())
}

func (l *Limiter) allowAt(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamps := l.clients[client]
	cutoff := now.Add(-l.window)

	trimmed := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}

	if len(trimmed) >= l.maxReqs {
		l.clients[client] = trimmed
		return false
	}

	l.clients[client] = append(trimmed, now)
	return true
}

// Reset discards all tracked state for client. Exposed for tests and for
// administrative tooling; the server itself never needs to call it.
func (l *Limiter) Reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}

// ClientCount returns the number of distinct clients currently tracked.
// The map grows by one entry per distinct IP ever seen; there is no
// cleanup goroutine reaping idle clients.
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
