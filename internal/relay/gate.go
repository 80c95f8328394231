package relay

import (
	"sync"

	"github.com/postalsys/freeviewer/internal/protocol"
)

// Gate is a non-blocking admission counter for forwarded sessions.
type Gate struct {
	mu    sync.Mutex
	limit int
	inUse int
}

// NewGate creates a gate admitting at most limit concurrent holders.
func NewGate(limit int) *Gate {
	return &Gate{limit: limit}
}

// TryAcquire takes a slot or fails immediately with ErrCapacityExceeded.
func (g *Gate) TryAcquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inUse >= g.limit {
		return protocol.ErrCapacityExceeded
	}
	g.inUse++
	return nil
}

// Release returns a slot.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inUse > 0 {
		g.inUse--
	}
}

// InUse returns the number of held slots.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}
