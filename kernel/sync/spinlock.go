// Package sync provides the synchronization primitives used by the kernel
// memory subsystems.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinAttempts is the number of acquisition attempts performed before the
// spinning task yields.
const spinAttempts = 100

// yieldFn is invoked when the lock cannot be acquired after a burst of
// attempts.
// TODO: replace with the scheduler yield once context-switching is implemented.
var yieldFn = runtime.Gosched

// Spinlock implements a lock where each task trying to acquire it
// busy-waits till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Any attempt to re-acquire a lock already held by the current task
// will cause a deadlock.
func (l *Spinlock) Acquire() {
	for {
		for attempt := 0; attempt < spinAttempts; attempt++ {
			if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
