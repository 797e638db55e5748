package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterTTL is how long an idle key keeps its limiter.
const limiterTTL = 10 * time.Minute

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// keyedLimiter holds one token bucket per key, e.g. per order and caller for
// pickup verification.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// newKeyedLimiter allows perMinute events per key with the given burst. A
// perMinute of zero disables limiting.
func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &keyedLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow spends one token for key and reports whether one was available.
func (l *keyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.entry(key, now).limiter.AllowN(now, 1)
}

// Blocked reports whether key has no token left, without spending one.
func (l *keyedLimiter) Blocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.entry(key, now).limiter.TokensAt(now) < 1
}

// entry returns the limiter for key and drops keys idle longer than limiterTTL.
// l.mu must be held.
func (l *keyedLimiter) entry(key string, now time.Time) *limiterEntry {
	for k, e := range l.limiters {
		if now.Sub(e.seen) > limiterTTL {
			delete(l.limiters, k)
		}
	}
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	return e
}
