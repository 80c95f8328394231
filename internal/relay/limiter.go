package relay

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceLimiter applies a token bucket per source IP.
type sourceLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	sources map[string]*sourceEntry
}

func newSourceLimiter(perSecond float64, burst int) *sourceLimiter {
	return &sourceLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		sources: make(map[string]*sourceEntry),
	}
}

// Allow reports whether a request from addr may proceed.
func (l *sourceLimiter) Allow(addr string, now time.Time) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.sources[host]
	if !ok {
		e = &sourceEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sources[host] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune forgets sources idle for longer than idle.
func (l *sourceLimiter) Prune(now time.Time, idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for host, e := range l.sources {
		if now.Sub(e.lastSeen) > idle {
			delete(l.sources, host)
		}
	}
}
