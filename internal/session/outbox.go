package session

import (
	"context"
	"errors"
	"sync"

	"github.com/postalsys/freeviewer/internal/protocol"
)

// outboxLimit bounds the queued messages of one priority class.
const outboxLimit = 1024

// inboxDefaultBytes bounds the inbound queue of a channel without a
// flow-control window.
const inboxDefaultBytes = 1 << 20

var (
	// ErrOutboxFull is returned when a priority class has too many queued
	// messages.
	ErrOutboxFull = errors.New("session outbox full")

	errOutboxClosed = errors.New("session outbox closed")
)

type outgoing struct {
	channel protocol.ChannelType
	payload []byte
}

// outbox queues plaintext messages by priority class. The writer always
// takes from the highest non-empty class; order within a class is FIFO.
type outbox struct {
	mu       sync.Mutex
	queues   [protocol.NumPriorities][]outgoing
	final    *outgoing
	signal   chan struct{}
	space    chan struct{}
	closed   bool
	draining bool
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1), space: make(chan struct{})}
}

func (o *outbox) push(ch protocol.ChannelType, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.draining {
		return errOutboxClosed
	}
	p := ch.Priority()
	// Control messages are small and must not be refused.
	if p != protocol.PriorityControl && len(o.queues[p]) >= outboxLimit {
		return ErrOutboxFull
	}
	o.queues[p] = append(o.queues[p], outgoing{channel: ch, payload: payload})
	o.notify()
	return nil
}

// pushWait is push that waits for room in a full class instead of failing.
func (o *outbox) pushWait(ctx context.Context, ch protocol.ChannelType, payload []byte, done <-chan struct{}) error {
	for {
		o.mu.Lock()
		space := o.space
		o.mu.Unlock()

		err := o.push(ch, payload)
		if !errors.Is(err, ErrOutboxFull) {
			return err
		}
		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return errOutboxClosed
		}
	}
}

// freed wakes pushWait callers. Called with o.mu held.
func (o *outbox) freed() {
	close(o.space)
	o.space = make(chan struct{})
}

// pushFinal stops accepting messages. Everything already queued is still
// delivered, followed by payload if it is not nil.
func (o *outbox) pushFinal(ch protocol.ChannelType, payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.draining {
		return
	}
	if payload != nil {
		o.final = &outgoing{channel: ch, payload: payload}
	}
	o.draining = true
	o.notify()
}

// close discards queued messages and wakes the writer.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.final = nil
	for i := range o.queues {
		o.queues[i] = nil
	}
	o.freed()
	o.notify()
}

func (o *outbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// next blocks until a message is available. ok is false once the outbox is
// closed, or draining with nothing left.
func (o *outbox) next() (outgoing, bool) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return outgoing{}, false
		}
		for i := range o.queues {
			if len(o.queues[i]) > 0 {
				msg := o.queues[i][0]
				o.queues[i][0] = outgoing{}
				o.queues[i] = o.queues[i][1:]
				if len(o.queues[i]) == outboxLimit-1 {
					o.freed()
				}
				o.mu.Unlock()
				return msg, true
			}
		}
		if o.draining {
			final := o.final
			o.final = nil
			o.mu.Unlock()
			if final != nil {
				return *final, true
			}
			return outgoing{}, false
		}
		o.mu.Unlock()
		<-o.signal
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i := range o.queues {
		n += len(o.queues[i])
	}
	return n
}

// inbox is the inbound queue of one channel, drained by its own dispatcher
// so a slow consumer never stalls other channels. It holds up to the
// channel's window in bytes, which is everything a peer that respects its
// credit can have in flight; only a peer that overruns its window loses
// messages.
type inbox struct {
	mu     sync.Mutex
	items  [][]byte
	bytes  int
	limit  int
	signal chan struct{}
	closed bool
}

func newInbox(ch protocol.ChannelType) *inbox {
	limit := ch.WindowSize()
	if limit == 0 {
		limit = inboxDefaultBytes
	}
	return &inbox{limit: limit, signal: make(chan struct{}, 1)}
}

// cost is what a queued message counts against the limit.
func cost(p []byte) int {
	return max(len(p), 1)
}

// push appends a message and reports false if it was dropped.
func (q *inbox) push(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.bytes+cost(p) > q.limit {
		return false
	}
	q.bytes += cost(p)
	q.items = append(q.items, p)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks for the next message. ok is false once the inbox is closed and
// empty.
func (q *inbox) pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.bytes -= cost(p)
			q.mu.Unlock()
			return p, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.signal
	}
}

func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
