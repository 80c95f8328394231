package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/postalsys/freeviewer/internal/protocol"
)

// Initial credit per channel in bytes.
const (
	VideoWindow     = protocol.VideoWindow
	InputWindow     = protocol.InputWindow
	ClipboardWindow = protocol.ClipboardWindow
	FileWindow      = protocol.FileWindow
	ChatWindow      = protocol.ChatWindow
)

// ErrSessionDone is returned when the session ends while a send waits for
// credit.
var ErrSessionDone = errors.New("session ended")

// WindowSize returns the initial credit of ch.
func WindowSize(ch protocol.ChannelType) int64 {
	return int64(ch.WindowSize())
}

// sendWindow is the credit a sender may still spend on one channel.
type sendWindow struct {
	mu     sync.Mutex
	credit int64
	wake   chan struct{}
}

func newSendWindow(size int64) *sendWindow {
	return &sendWindow{credit: size, wake: make(chan struct{})}
}

// tryAcquire spends n bytes of credit if available.
func (w *sendWindow) tryAcquire(n int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.credit < n {
		return false
	}
	w.credit -= n
	return true
}

// acquire blocks until n bytes of credit are available.
func (w *sendWindow) acquire(ctx context.Context, n int64, done <-chan struct{}) error {
	for {
		w.mu.Lock()
		if w.credit >= n {
			w.credit -= n
			w.mu.Unlock()
			return nil
		}
		wake := w.wake
		w.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrSessionDone
		}
	}
}

// refund returns credit spent on a message that was never queued.
func (w *sendWindow) refund(n int64) {
	w.grant(n)
}

// grant adds credit returned by the receiver and wakes waiters.
func (w *sendWindow) grant(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credit += n
	close(w.wake)
	w.wake = make(chan struct{})
}

func (w *sendWindow) available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credit
}

// recvWindow tracks consumed bytes and releases them in batches of at
// least half a window.
type recvWindow struct {
	mu       sync.Mutex
	size     int64
	consumed int64
}

func newRecvWindow(size int64) *recvWindow {
	return &recvWindow{size: size}
}

// consume records n delivered bytes and returns the credit to grant back,
// or zero while less than half the window is pending.
func (w *recvWindow) consume(n int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consumed += n
	if w.consumed < w.size/2 {
		return 0
	}
	inc := w.consumed
	w.consumed = 0
	return inc
}
