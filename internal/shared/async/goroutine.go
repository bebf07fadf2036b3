// Package async provides panic-safe goroutine helpers. Every background
// goroutine in the service starts through Go so a panic in one task can
// never take down the process.
package async

import (
	"runtime/debug"

	"navi/internal/shared/logging"
)

// Go runs fn in a new goroutine with panic recovery. The name identifies the
// goroutine in panic logs.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is for deferred use inside long-lived goroutines.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		logging.OrNop(logger).Error("Panic in %s: %v\n%s", name, r, debug.Stack())
	}
}
