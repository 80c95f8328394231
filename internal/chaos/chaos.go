// Package chaos provides fault injection for session transports: delayed,
// blackholed and dropped links.
package chaos

import (
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect closes the link.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to a write.
	FaultDelay
	// FaultBlackhole silently discards a write.
	FaultBlackhole
	// FaultError fails a write without closing the link.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultBlackhole:
		return "blackhole"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrInjected is returned by writes failed with FaultError.
var ErrInjected = errors.New("chaos: injected fault")

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay and MaxDelay bound the latency added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, hits each operation.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.RWMutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Set replaces the fault configuration.
func (f *FaultInjector) Set(configs ...FaultConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = configs
}

// Next picks the fault for one operation. ok is false when none applies.
func (f *FaultInjector) Next() (cfg FaultConfig, delay time.Duration, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return FaultConfig{}, 0, false
	}
	for _, c := range f.configs {
		if f.rng.Float64() < c.Probability {
			f.faultHits[c.Type]++
			if c.Type == FaultDelay {
				delay = c.MinDelay
				if c.MaxDelay > c.MinDelay {
					delay += time.Duration(f.rng.Int63n(int64(c.MaxDelay - c.MinDelay)))
				}
			}
			return c, delay, true
		}
	}
	return FaultConfig{}, 0, false
}

// GetStats returns how often each fault was injected.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// Link wraps a session transport and applies the injector's faults to
// every write. Reads pass through.
type Link struct {
	rwc      io.ReadWriteCloser
	injector *FaultInjector

	mu     sync.Mutex
	closed bool
}

// Wrap returns rwc with faults from injector applied.
func Wrap(rwc io.ReadWriteCloser, injector *FaultInjector) *Link {
	return &Link{rwc: rwc, injector: injector}
}

func (l *Link) Read(p []byte) (int, error) {
	return l.rwc.Read(p)
}

func (l *Link) Write(p []byte) (int, error) {
	cfg, delay, ok := l.injector.Next()
	if !ok {
		return l.rwc.Write(p)
	}
	switch cfg.Type {
	case FaultDelay:
		time.Sleep(delay)
		return l.rwc.Write(p)
	case FaultBlackhole:
		return len(p), nil
	case FaultError:
		return 0, ErrInjected
	default:
		l.Close()
		return 0, io.ErrClosedPipe
	}
}

// CloseWrite half-closes the underlying transport when it supports it.
func (l *Link) CloseWrite() error {
	if cw, ok := l.rwc.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the underlying transport once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.rwc.Close()
}
