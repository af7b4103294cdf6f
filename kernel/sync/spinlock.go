// Package sync provides the synchronization primitive used throughout the
// kernel: an IRQ-disabling spinlock.
package sync

import (
	"fullerene/kernel/cpu"
	"sync/atomic"
)

var (
	// yieldFn, when non-nil, is called by Acquire between spin attempts
	// once the fast path has failed more than 1000 times. Only this
	// package's tests set it; otherwise Acquire busy-waits.
	yieldFn func()

	pauseFn = cpu.Pause

	saveFlagsFn    = cpu.SaveFlagsAndDisableInterrupts
	restoreFlagsFn = cpu.RestoreFlags
)

// Spinlock is a lock safe to take from interrupt context. Acquire disables
// interrupts for the duration the lock is held: a handler that fired on the
// same CPU while the lock owner held it would otherwise deadlock trying to
// re-acquire it from inside the handler, since this kernel has no SMP
// support and therefore no second CPU to make progress on the critical
// section.
type Spinlock struct {
	state      uint32
	savedFlags uint64
}

// Acquire disables interrupts and blocks until the lock can be acquired by
// the currently active task. Any attempt to re-acquire a lock already held
// by the current task deadlocks.
func (l *Spinlock) Acquire() {
	flags := saveFlagsFn()

	attempts := uint32(0)
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		attempts++
		if attempts > 1000 && yieldFn != nil {
			yieldFn()
			attempts = 0
			continue
		}
		pauseFn()
	}

	l.savedFlags = flags
}

// TryToAcquire attempts to acquire the lock without blocking, disabling
// interrupts only if it succeeds. It returns true if the lock was acquired.
func (l *Spinlock) TryToAcquire() bool {
	flags := saveFlagsFn()
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		l.savedFlags = flags
		return true
	}
	restoreFlagsFn(flags)
	return false
}

// Release relinquishes a held lock and restores the interrupt-enable state
// that was in effect when Acquire (or a successful TryToAcquire) was called.
// Calling Release while the lock is free has no effect beyond restoring
// whatever flags happen to be stored, so callers must not call it without a
// matching successful acquire.
func (l *Spinlock) Release() {
	flags := l.savedFlags
	atomic.StoreUint32(&l.state, 0)
	restoreFlagsFn(flags)
}
