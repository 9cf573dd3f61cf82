package protocol

import (
	"sync"
	"time"
)

// nonceCache remembers recently seen nonces inside a bounded time window.
// Two buckets rotate every window so memory stays proportional to traffic in
// the last 2×window, and a nonce is rejected as long as it is at most one
// rotation old, which covers the full message TTL with margin.
type nonceCache struct {
	mu       sync.Mutex
	window   time.Duration
	current  map[string]struct{}
	previous map[string]struct{}
	rotated  time.Time
	now      func() time.Time
}

func newNonceCache(window time.Duration) *nonceCache {
	return &nonceCache{
		window:   window,
		current:  make(map[string]struct{}),
		previous: make(map[string]struct{}),
		rotated:  time.Now(),
		now:      time.Now,
	}
}

// checkAndStore records the nonce, reporting whether it was already seen
// within the window. Recording and checking are one atomic step so two
// concurrent deliveries of the same message cannot both pass.
func (c *nonceCache) checkAndStore(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now := c.now(); now.Sub(c.rotated) > c.window {
		c.previous = c.current
		c.current = make(map[string]struct{})
		c.rotated = now
	}

	if _, ok := c.current[nonce]; ok {
		return false
	}
	if _, ok := c.previous[nonce]; ok {
		return false
	}
	c.current[nonce] = struct{}{}
	return true
}
