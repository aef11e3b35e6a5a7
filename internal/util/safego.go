package util

import (
	"runtime/debug"
	"sync"

	"github.com/stakeboard/stakeboard/internal/logging"
)

// SafeGoWithName runs fn in a goroutine with panic recovery. The name shows up
// in the log record if fn panics.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

// GoTracked is SafeGoWithName for goroutines whose lifetime is owned by a
// WaitGroup: Add(1) happens before the goroutine starts and Done after fn
// returns or panics.
func GoTracked(wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverPanic(name)
		fn()
	}()
}

func recoverPanic(name string) {
	if r := recover(); r != nil {
		logging.Error("goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
