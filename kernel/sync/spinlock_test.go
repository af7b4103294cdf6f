package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	defer func(origSave func() uint64) { saveFlagsFn = origSave }(saveFlagsFn)
	defer func(origRestore func(uint64)) { restoreFlagsFn = origRestore }(restoreFlagsFn)
	defer func(origPause func()) { pauseFn = origPause }(pauseFn)

	yieldFn = runtime.Gosched
	pauseFn = func() {}

	var irqDisabled bool
	saveFlagsFn = func() uint64 {
		prev := irqDisabled
		irqDisabled = true
		if prev {
			return 1
		}
		return 0
	}
	restoreFlagsFn = func(flags uint64) {
		irqDisabled = flags != 0
	}

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestSpinlockRestoresSavedFlags(t *testing.T) {
	defer func(origSave func() uint64) { saveFlagsFn = origSave }(saveFlagsFn)
	defer func(origRestore func(uint64)) { restoreFlagsFn = origRestore }(restoreFlagsFn)

	saveFlagsFn = func() uint64 { return 0x202 }

	var restoredWith uint64
	restoreFlagsFn = func(flags uint64) { restoredWith = flags }

	var sl Spinlock
	sl.Acquire()
	sl.Release()

	if restoredWith != 0x202 {
		t.Fatalf("expected Release to restore flags 0x202; got 0x%x", restoredWith)
	}
}
