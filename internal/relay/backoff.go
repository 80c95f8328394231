package relay

import (
	"math/rand"
	"time"
)

// ReconnectConfig controls how a host re-registers after losing its relay
// link.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultReconnectConfig returns the default re-registration schedule.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// backoff yields exponentially growing, jittered delays.
type backoff struct {
	cfg  ReconnectConfig
	next time.Duration
}

func newBackoff(cfg ReconnectConfig) *backoff {
	return &backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.next > b.cfg.MaxDelay {
		b.next = b.cfg.MaxDelay
	}
	return jitter(d, b.cfg.Jitter)
}

// Reset restarts the schedule after a successful attempt.
func (b *backoff) Reset() {
	b.next = b.cfg.InitialDelay
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if out <= 0 {
		return d
	}
	return out
}
