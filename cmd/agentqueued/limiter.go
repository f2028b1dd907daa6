package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// submitLimiter caps the HTTP submit endpoint's admission rate per
// agent_name, so a single misbehaving caller can't monopolize the
// Priority Queue — a per-key limiter map with lazy-create-on-first-use,
// living at this daemon's HTTP boundary since the Scheduler Core has
// no rate-limiting concept of its own (that's an ambient HTTP concern,
// not a scheduling one).
type submitLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// newSubmitLimiter builds a limiter allowing r requests/sec per key,
// bursting up to b.
func newSubmitLimiter(r, b int) *submitLimiter {
	return &submitLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether a submission under key may proceed now.
func (l *submitLimiter) Allow(key string) bool {
	return l.forKey(key).Allow()
}

func (l *submitLimiter) forKey(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}
