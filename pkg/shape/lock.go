package shape

import (
	"runtime"
	"sync/atomic"
)

// Lock is a spin lock that stays a no-op until Activate is called. Engines
// with a single submitting goroutine never pay for synchronization they do
// not need.
type Lock struct {
	active bool
	flag   atomic.Bool
}

// Activate must happen before the lock is shared between goroutines.
func (l *Lock) Activate() { l.active = true }

func (l *Lock) Lock() {
	if !l.active {
		return
	}
	for !l.flag.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *Lock) Unlock() {
	if !l.active {
		return
	}
	l.flag.Store(false)
}
