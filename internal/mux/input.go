package mux

import (
	"slices"

	"github.com/postalsys/freeviewer/internal/desktop"
)

// DefaultReorderLimit bounds how many out-of-order input events are held
// while waiting for a gap to fill.
const DefaultReorderLimit = 256

type inputMessage struct {
	Seq   uint64             `cbor:"seq"`
	Event desktop.InputEvent `cbor:"ev"`
}

// Orderer delivers input events strictly in sequence order, at most once.
// Duplicates are dropped; a gap is waited for until more than limit events
// are held, then skipped.
type Orderer struct {
	next    uint64
	pending map[uint64]desktop.InputEvent
	limit   int

	duplicates uint64
	skipped    uint64
}

// NewOrderer creates an orderer expecting sequence number 1 first.
func NewOrderer(limit int) *Orderer {
	if limit <= 0 {
		limit = DefaultReorderLimit
	}
	return &Orderer{next: 1, pending: make(map[uint64]desktop.InputEvent), limit: limit}
}

// Push accepts one event and returns the events now deliverable, in order.
func (o *Orderer) Push(seq uint64, ev desktop.InputEvent) []desktop.InputEvent {
	if seq < o.next {
		o.duplicates++
		return nil
	}
	if _, ok := o.pending[seq]; ok {
		o.duplicates++
		return nil
	}
	o.pending[seq] = ev

	if _, ok := o.pending[o.next]; !ok && len(o.pending) > o.limit {
		keys := make([]uint64, 0, len(o.pending))
		for k := range o.pending {
			keys = append(keys, k)
		}
		lowest := slices.Min(keys)
		o.skipped += lowest - o.next
		o.next = lowest
	}

	var out []desktop.InputEvent
	for {
		ev, ok := o.pending[o.next]
		if !ok {
			return out
		}
		delete(o.pending, o.next)
		out = append(out, ev)
		o.next++
	}
}

// Stats returns the number of duplicates dropped and sequence numbers
// skipped.
func (o *Orderer) Stats() (duplicates, skipped uint64) {
	return o.duplicates, o.skipped
}
