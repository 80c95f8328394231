package session

import (
	"net"
	"sync"
	"time"
)

// Default authentication backoff bounds.
const (
	DefaultAuthBackoffBase = time.Second
	DefaultAuthBackoffMax  = 5 * time.Minute
)

// AuthBackoff tracks failed authentication attempts per peer and refuses new
// attempts until an exponentially growing delay has passed. It is safe for
// concurrent use.
type AuthBackoff struct {
	mu    sync.Mutex
	base  time.Duration
	max   time.Duration
	peers map[string]*authRecord
	now   func() time.Time
}

type authRecord struct {
	failures int
	until    time.Time
	last     time.Time
}

// NewAuthBackoff creates a tracker. Non-positive bounds select the defaults.
func NewAuthBackoff(base, max time.Duration) *AuthBackoff {
	if base <= 0 {
		base = DefaultAuthBackoffBase
	}
	if max < base {
		max = DefaultAuthBackoffMax
		if max < base {
			max = base
		}
	}
	return &AuthBackoff{
		base:  base,
		max:   max,
		peers: make(map[string]*authRecord),
		now:   time.Now,
	}
}

// PeerKey reduces a remote address to the key used for backoff, the IP
// without the port.
func PeerKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Check returns zero if peer may attempt authentication now, or the time it
// must still wait.
func (b *AuthBackoff) Check(peer string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.peers[peer]
	if !ok {
		return 0
	}
	if wait := rec.until.Sub(b.now()); wait > 0 {
		return wait
	}
	return 0
}

// Failure records a failed attempt and returns the delay imposed on the next
// one.
func (b *AuthBackoff) Failure(peer string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.peers[peer]
	if !ok {
		rec = &authRecord{}
		b.peers[peer] = rec
	}
	rec.failures++

	delay := b.base
	for i := 1; i < rec.failures && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}

	now := b.now()
	rec.until = now.Add(delay)
	rec.last = now
	return delay
}

// Success clears the failure history of peer.
func (b *AuthBackoff) Success(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, peer)
}

// Failures returns the number of consecutive failures recorded for peer.
func (b *AuthBackoff) Failures(peer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.peers[peer]; ok {
		return rec.failures
	}
	return 0
}

// Prune forgets peers whose last failure is older than maxAge and whose
// delay has expired.
func (b *AuthBackoff) Prune(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for peer, rec := range b.peers {
		if now.Sub(rec.last) > maxAge && now.After(rec.until) {
			delete(b.peers, peer)
			removed++
		}
	}
	return removed
}
