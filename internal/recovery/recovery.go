// Package recovery keeps a panic in one session goroutine from taking down
// the relay or host process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// RecoverWithLog recovers a panic and logs it with its stack. Defer it at
// the top of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "session.reader")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog followed by cb, which typically
// tears down whatever the goroutine owned.
func RecoverWithCallback(logger *slog.Logger, name string, cb func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if cb != nil {
			cb(r)
		}
	}
}

// Go runs fn on a new goroutine tracked by wg, recovering any panic.
// wg may be nil.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func()) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
