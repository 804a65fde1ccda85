package source

import "sync"

// observerWindow is the default rolling window size the rate-limit
// observer counts 429-equivalent responses over.
const observerWindow = 200

// RateLimitStats is the snapshot returned by RateLimitObserver.Stats.
type RateLimitStats struct {
	Ratio     float64
	Total     int
	RateLimit int
	Threshold float64
}

// RateLimitObserver is process-wide mutable state owned by the HTTP client,
// accessed only through this typed handle — never a package-level global.
// It maintains a rolling window of the last N request outcomes.
type RateLimitObserver struct {
	mu        sync.Mutex
	outcomes  []bool
	pos       int
	filled    int
	rateLimit int
	threshold float64
}

// NewRateLimitObserver constructs an observer with the given slowdown
// threshold ratio (e.g. 0.2 means "slow down once 20% of recent calls were
// rate-limited") over the default window.
func NewRateLimitObserver(threshold float64) *RateLimitObserver {
	return NewRateLimitObserverWindow(threshold, observerWindow)
}

// NewRateLimitObserverWindow is NewRateLimitObserver with an explicit
// rolling window size.
func NewRateLimitObserverWindow(threshold float64, window int) *RateLimitObserver {
	if window <= 0 {
		window = observerWindow
	}
	return &RateLimitObserver{threshold: threshold, outcomes: make([]bool, window)}
}

// Record records one call outcome; rateLimited is true for a 429-equivalent.
func (o *RateLimitObserver) Record(rateLimited bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	window := len(o.outcomes)
	if o.filled == window && o.outcomes[o.pos] {
		o.rateLimit--
	}
	o.outcomes[o.pos] = rateLimited
	if rateLimited {
		o.rateLimit++
	}
	o.pos = (o.pos + 1) % window
	if o.filled < window {
		o.filled++
	}
}

// ShouldSlowDown reports whether the rate-limit ratio over the rolling
// window exceeds the configured threshold.
func (o *RateLimitObserver) ShouldSlowDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.filled == 0 {
		return false
	}
	return float64(o.rateLimit)/float64(o.filled) > o.threshold
}

// Stats returns the current ratio, totals, and configured threshold.
func (o *RateLimitObserver) Stats() RateLimitStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ratio float64
	if o.filled > 0 {
		ratio = float64(o.rateLimit) / float64(o.filled)
	}
	return RateLimitStats{
		Ratio:     ratio,
		Total:     o.filled,
		RateLimit: o.rateLimit,
		Threshold: o.threshold,
	}
}
