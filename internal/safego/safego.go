// Package safego runs background work without letting a panic take down the process.
package safego

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine. A panic inside fn is recovered and logged
// under the given task name.
func Go(name string, fn func()) {
	go func() {
		_ = Run(name, fn)
	}()
}

// Run calls fn on the current goroutine and converts a panic into an error.
// Used where the caller needs to count or report the failure (event handlers,
// scheduled jobs).
func Run(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background task",
				"task", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	fn()
	return nil
}
